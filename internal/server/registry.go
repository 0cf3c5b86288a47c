// Package server tracks which connections are open and which of them hold a
// logged-in participant via the Registry type.
package server

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Handle is the registry's view of one live connection.
type Handle interface {
	// ID identifies the connection for its whole lifetime.
	ID() string
	// Send queues payload without blocking and reports whether it was accepted.
	Send(payload []byte) bool
	// Close is idempotent.
	Close()
}

// Announcer builds the notification fanned out after a presence change.
// A nil result suppresses the broadcast.
type Announcer func(Participant) []byte

// Record is the registry entry for one open connection. Its participant is
// only read or written with the registry lock held.
type Record struct {
	handle      Handle
	participant *Participant
	loginSeq    uint64
	unreachable bool
	left        bool
}

// Registry is the authoritative mapping of connection identity to record.
// Every mutation and every broadcast enumeration holds the same mutex, and
// nothing done under it blocks.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	byName  map[string]*Record
	seq     uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		byName:  make(map[string]*Record),
	}
}

// Register adds an anonymous record for h. welcome, if non-nil, is called
// with the present participants before the lock is released, so anything it
// sends to h precedes every later broadcast.
func (r *Registry) Register(h Handle, welcome func(present []Participant)) *Record {
	rec := &Record{handle: h}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[h.ID()] = rec
	if welcome != nil {
		welcome(r.presentLocked())
	}
	return rec
}

// Login associates username with rec if no other record holds it. On
// success announce is fanned out to every connection under the same lock,
// and the handles that could not take it are returned.
func (r *Registry) Login(rec *Record, username string, announce Announcer) (Participant, []Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registeredLocked(rec) {
		return Participant{}, nil, ErrConnectionClosed
	}
	if rec.participant != nil {
		return Participant{}, nil, fmt.Errorf("%w: already logged in as %q", ErrProtocolViolation, rec.participant.Username)
	}
	if _, taken := r.byName[username]; taken {
		return Participant{}, nil, fmt.Errorf("%w: %q", ErrUsernameTaken, username)
	}

	p := Participant{Username: username}
	r.seq++
	rec.participant = &p
	rec.loginSeq = r.seq
	r.byName[username] = rec

	return p, r.announceLocked(p, announce), nil
}

// Logout clears the participant of rec while keeping the connection
// registered.
func (r *Registry) Logout(rec *Record, announce Announcer) (Participant, []Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registeredLocked(rec) {
		return Participant{}, nil, ErrConnectionClosed
	}
	if rec.participant == nil {
		return Participant{}, nil, fmt.Errorf("%w: not logged in", ErrProtocolViolation)
	}
	p := r.dissociateLocked(rec)
	return p, r.announceLocked(p, announce), nil
}

// Leave removes rec. If it held a participant, that participant is returned
// and announce is fanned out to the remaining connections. Leaving twice is
// a no-op.
func (r *Registry) Leave(rec *Record, announce Announcer) (Participant, bool, []Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registeredLocked(rec) {
		return Participant{}, false, nil
	}
	delete(r.records, rec.handle.ID())
	rec.left = true

	if rec.participant == nil {
		return Participant{}, false, nil
	}
	p := r.dissociateLocked(rec)
	return p, true, r.announceLocked(p, announce)
}

// Participant reports the participant currently bound to rec.
func (r *Registry) Participant(rec *Record) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.participant == nil || rec.left {
		return Participant{}, false
	}
	return *rec.participant, true
}

// ListPresent returns the logged-in participants in login order.
func (r *Registry) ListPresent() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presentLocked()
}

// Broadcast sends payload to every registered connection and returns the
// handles that refused it. Those handles are skipped by later broadcasts.
func (r *Registry) Broadcast(payload []byte) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(payload)
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Handles returns a snapshot of every registered connection.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.MapToSlice(r.records, func(_ string, rec *Record) Handle {
		return rec.handle
	})
}

func (r *Registry) registeredLocked(rec *Record) bool {
	if rec == nil || rec.left {
		return false
	}
	current, ok := r.records[rec.handle.ID()]
	return ok && current == rec
}

func (r *Registry) dissociateLocked(rec *Record) Participant {
	p := *rec.participant
	if r.byName[p.Username] == rec {
		delete(r.byName, p.Username)
	}
	rec.participant = nil
	rec.loginSeq = 0
	return p
}

func (r *Registry) presentLocked() []Participant {
	present := lo.Values(r.byName)
	slices.SortFunc(present, func(a, b *Record) int {
		return cmp.Compare(a.loginSeq, b.loginSeq)
	})
	return lo.Map(present, func(rec *Record, _ int) Participant {
		return *rec.participant
	})
}

func (r *Registry) announceLocked(p Participant, announce Announcer) []Handle {
	if announce == nil {
		return nil
	}
	payload := announce(p)
	if payload == nil {
		return nil
	}
	return r.broadcastLocked(payload)
}

func (r *Registry) broadcastLocked(payload []byte) []Handle {
	var failed []Handle
	for _, rec := range r.records {
		if rec.unreachable {
			continue
		}
		if !rec.handle.Send(payload) {
			rec.unreachable = true
			failed = append(failed, rec.handle)
		}
	}
	return failed
}
