// Package store provides the durable chat message backends consumed by the
// hub: an in-memory log, BadgerDB and SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Supported values for the STORE_DRIVER setting.
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store is closed")

// Message is one chat line. It is immutable once appended.
type Message struct {
	ID       uuid.UUID `json:"-"`
	Username string    `json:"username"`
	Text     string    `json:"text"`
	Datetime time.Time `json:"datetime"`
}

// NewMessage stamps a message with a fresh ID and the given time in UTC.
func NewMessage(username, text string, at time.Time) Message {
	return Message{
		ID:       uuid.New(),
		Username: username,
		Text:     text,
		Datetime: at.UTC().Round(0),
	}
}

// Store is a durable, append-only message log.
type Store interface {
	// FetchRecent returns at most limit of the newest messages, oldest first.
	FetchRecent(ctx context.Context, limit int) ([]Message, error)
	Append(ctx context.Context, msg Message) error
	Close() error
}

// Open builds the store selected by driver. path is ignored by the memory
// driver.
func Open(driver, path string, log *slog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverBadger:
		return OpenBadger(path, log)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
