package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeHandle records what the hub queues for one connection.
type fakeHandle struct {
	id string

	mu     sync.Mutex
	sent   [][]byte
	full   bool
	closed bool
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id}
}

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.full {
		return false
	}
	f.sent = append(f.sent, payload)
	return true
}

func (f *fakeHandle) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

// events decodes everything sent so far and clears the buffer.
func (f *fakeHandle) events(t *testing.T) []wireEvent {
	t.Helper()
	f.mu.Lock()
	sent := f.sent
	f.sent = nil
	f.mu.Unlock()

	out := make([]wireEvent, 0, len(sent))
	for _, raw := range sent {
		var ev wireEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

// ofType filters events by type.
func ofType(events []wireEvent, eventType string) []wireEvent {
	var out []wireEvent
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func payloadOf[T any](t *testing.T, ev wireEvent) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Payload, &v))
	return v
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelError)
}

func newTestHub(t *testing.T, messages MessageStore, opts ...HubOption) (*Hub, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	hub := NewHub(Config{HistoryLimit: 30}, messages, testLogger(), metrics, opts...)
	t.Cleanup(func() { _ = hub.Shutdown(0) })
	return hub, metrics
}

func frame(eventType string, payload any) []byte {
	ev := map[string]any{"type": eventType}
	if payload != nil {
		ev["payload"] = payload
	}
	b, _ := json.Marshal(ev)
	return b
}

func loginFrame(username string) []byte {
	return frame(EventLogin, map[string]string{"username": username})
}

func sendFrame(text string) []byte {
	return frame(EventSendMessage, map[string]string{"text": text})
}
