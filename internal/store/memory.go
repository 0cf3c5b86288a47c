package store

import (
	"context"
	"sync"
)

// Memory keeps messages in process memory in insertion order.
type Memory struct {
	mu       sync.RWMutex
	messages []Message
	closed   bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) FetchRecent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return []Message{}, nil
	}
	start := len(m.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(m.messages)-start)
	copy(out, m.messages[start:])
	return out, nil
}

func (m *Memory) Append(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
