// Package server coordinates connection admission, presence changes, message
// persistence and fan-out for the chat system via the Hub type.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/presencechat/internal/store"
	"github.com/gorilla/websocket"
)

// Hub is the dispatcher: it owns the presence registry, routes inbound
// client events to their handlers and fans notifications out to every open
// connection.
type Hub struct {
	cfg      Config
	registry *Registry
	history  gateway
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithClock replaces the clock used to stamp messages.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a Hub with an empty registry. messages provides the durable
// history; metrics must be non-nil.
func NewHub(cfg Config, messages MessageStore, log *slog.Logger, metrics *Metrics, opts ...HubOption) *Hub {
	cfg = cfg.Sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		registry: NewRegistry(),
		history: gateway{
			store:   messages,
			limit:   cfg.HistoryLimit,
			log:     log.With("component", "history"),
			metrics: metrics,
		},
		log:     log,
		metrics: metrics,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry exposes the hub's presence registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Serve wraps an upgraded WebSocket in a Client, admits it and starts its
// read and write pumps.
func (h *Hub) Serve(conn *websocket.Conn, addr string) error {
	client := NewClient(conn, h, addr)

	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		client.Close()
		client.closeConnection()
		return ErrConnectionClosed
	}
	h.wg.Add(2)
	h.mu.Unlock()

	rec, err := h.Accept(h.ctx, client)
	if err != nil {
		h.wg.Add(-2)
		client.Close()
		client.closeConnection()
		return err
	}

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump(rec)
	}()
	return nil
}

// Accept registers a new connection and sends it the INIT snapshot. History
// is fetched before the registry lock is taken; the snapshot of present
// users and the INIT send happen under it.
func (h *Hub) Accept(ctx context.Context, handle Handle) (*Record, error) {
	h.mu.Lock()
	stopping := h.stopping
	h.mu.Unlock()
	if stopping {
		return nil, ErrConnectionClosed
	}

	messages := h.history.recent(ctx)

	welcomed := false
	rec := h.registry.Register(handle, func(present []Participant) {
		payload, err := encodeEvent(EventInit, InitPayload{Messages: messages, Users: present})
		if err != nil {
			h.log.Error("Failed to encode INIT snapshot", "conn", handle.ID(), "error", err)
			return
		}
		welcomed = handle.Send(payload)
	})

	// A connection that cannot take its INIT never becomes a broadcast target.
	if !welcomed {
		h.registry.Leave(rec, nil)
		h.dropUnreachable([]Handle{handle})
		return nil, fmt.Errorf("%w: INIT not queued for %s", ErrPeerUnreachable, handle.ID())
	}

	// Shutdown may have snapshotted the registry before this record landed.
	h.mu.Lock()
	stopping = h.stopping
	h.mu.Unlock()
	if stopping {
		h.registry.Leave(rec, nil)
		handle.Close()
		return nil, ErrConnectionClosed
	}

	count := h.registry.Len()
	h.metrics.connections.Set(float64(count))
	h.log.Info("Client registered", "conn", handle.ID(), "clients", count, "history", len(messages))
	return rec, nil
}

// HandleEvent decodes one raw client frame and applies it to rec. Rejected
// events are answered with an ErrorReply on rec's connection only; the
// returned error is informational and never fatal.
func (h *Hub) HandleEvent(ctx context.Context, rec *Record, raw []byte) error {
	err := h.dispatch(ctx, rec, raw)
	if err == nil {
		return nil
	}

	h.metrics.rejections.WithLabelValues(rejectionReason(err)).Inc()
	h.log.Info("Rejected client event", "conn", rec.handle.ID(), "error", err)

	var rej *rejection
	if errors.As(err, &rej) && rej.reply != "" {
		if !rec.handle.Send(encodeError(rej.reply)) {
			h.log.Warn("Failed to queue error reply", "conn", rec.handle.ID())
		}
	}
	return err
}

func (h *Hub) dispatch(ctx context.Context, rec *Record, raw []byte) error {
	ev, err := decodeEvent(raw)
	if err != nil {
		return reject(err, replyInvalidMessage)
	}
	h.metrics.events.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case EventLogin:
		return h.handleLogin(rec, ev)
	case EventSendMessage:
		return h.handleSendMessage(ctx, rec, ev)
	case EventLogout:
		return h.handleLogout(rec)
	default:
		return reject(fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type), replyInvalidMessage)
	}
}

func (h *Hub) handleLogin(rec *Record, ev inboundEvent) error {
	payload, err := decodeLogin(ev)
	if err != nil {
		return reject(err, replyInvalidMessage)
	}

	p, failed, err := h.registry.Login(rec, payload.Username, h.announcer(EventNewUser))
	switch {
	case errors.Is(err, ErrUsernameTaken):
		return reject(err, replyUsernameTaken)
	case errors.Is(err, ErrProtocolViolation):
		return reject(err, replyAlreadyLogged)
	case err != nil:
		return reject(err, "")
	}

	h.metrics.present.Inc()
	h.log.Info("Participant logged in", "conn", rec.handle.ID(), "username", p.Username)
	h.dropUnreachable(failed)
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, rec *Record, ev inboundEvent) error {
	p, ok := h.registry.Participant(rec)
	if !ok {
		return reject(fmt.Errorf("%w: %s before login", ErrProtocolViolation, EventSendMessage), replyLoginRequired)
	}
	payload, err := decodeSendMessage(ev)
	if err != nil {
		return reject(err, replyInvalidMessage)
	}

	msg := store.NewMessage(p.Username, payload.Text, h.now())
	if err := h.history.append(ctx, msg); err != nil {
		h.log.Error("Broadcasting unsaved message", "conn", rec.handle.ID(), "error", err)
	}
	h.broadcast(EventNewMessage, msg)
	return nil
}

func (h *Hub) handleLogout(rec *Record) error {
	p, failed, err := h.registry.Logout(rec, h.announcer(EventUserLogout))
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return reject(err, replyNotLoggedIn)
	case err != nil:
		return reject(err, "")
	}

	h.metrics.present.Dec()
	h.log.Info("Participant logged out", "conn", rec.handle.ID(), "username", p.Username)
	h.dropUnreachable(failed)
	return nil
}

// Disconnect removes rec from the registry and closes its handle. If a
// participant was bound to it, USER_LOGOUT goes to every remaining
// connection. Safe to call more than once.
func (h *Hub) Disconnect(rec *Record) {
	p, present, failed := h.registry.Leave(rec, h.announcer(EventUserLogout))
	rec.handle.Close()

	count := h.registry.Len()
	h.metrics.connections.Set(float64(count))
	if present {
		h.metrics.present.Dec()
		h.log.Info("Participant left", "conn", rec.handle.ID(), "username", p.Username)
	}
	h.log.Info("Client unregistered", "conn", rec.handle.ID(), "clients", count)
	h.dropUnreachable(failed)
}

func (h *Hub) broadcast(eventType string, payload any) {
	b, err := encodeEvent(eventType, payload)
	if err != nil {
		h.log.Error("Failed to encode broadcast", "type", eventType, "error", err)
		return
	}
	h.metrics.broadcasts.WithLabelValues(eventType).Inc()
	h.dropUnreachable(h.registry.Broadcast(b))
}

func (h *Hub) announcer(eventType string) Announcer {
	return func(p Participant) []byte {
		b, err := encodeEvent(eventType, p)
		if err != nil {
			h.log.Error("Failed to encode presence event", "type", eventType, "error", err)
			return nil
		}
		h.metrics.broadcasts.WithLabelValues(eventType).Inc()
		return b
	}
}

// dropUnreachable closes connections that could not accept a broadcast.
// Their read pumps then run the normal disconnect path.
func (h *Hub) dropUnreachable(failed []Handle) {
	for _, handle := range failed {
		h.metrics.droppedPeers.Inc()
		h.log.Warn("Client removed due to full send buffer", "conn", handle.ID(), "error", ErrPeerUnreachable)
		handle.Close()
	}
}

// Shutdown stops admitting connections, closes every open one and waits for
// their pumps to finish, or returns context.DeadlineExceeded after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
	h.cancel()

	handles := h.registry.Handles()
	for _, handle := range handles {
		handle.Close()
	}
	h.log.Info("Closed client connections", "count", len(handles))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
