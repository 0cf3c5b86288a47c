//go:generate go run go.uber.org/mock/mockgen -source=gateway.go -destination=mocks/mock_message_store.go -package=mocks
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/presencechat/internal/store"
)

// appendAttempts bounds store writes per message: the first try plus one retry.
const appendAttempts = 2

// MessageStore is the durable history consumed by the hub.
type MessageStore interface {
	// FetchRecent returns at most limit of the newest messages, oldest first.
	FetchRecent(ctx context.Context, limit int) ([]store.Message, error)
	Append(ctx context.Context, msg store.Message) error
}

// gateway wraps a MessageStore with the hub's failure policy: history reads
// degrade to empty and appends are retried once, then dropped.
type gateway struct {
	store   MessageStore
	limit   int
	log     *slog.Logger
	metrics *Metrics
}

func (g gateway) recent(ctx context.Context) []store.Message {
	messages, err := g.store.FetchRecent(ctx, g.limit)
	if err != nil {
		g.log.Error("Failed to fetch recent messages", "limit", g.limit, "error", err)
		return []store.Message{}
	}
	if len(messages) > g.limit {
		messages = messages[len(messages)-g.limit:]
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return messages
}

func (g gateway) append(ctx context.Context, msg store.Message) error {
	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		if err = g.store.Append(ctx, msg); err == nil {
			return nil
		}
		g.log.Warn("Message append failed", "attempt", attempt, "id", msg.ID, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	g.metrics.persistenceFailures.Inc()
	return fmt.Errorf("%w: message %s from %q dropped: %v", ErrPersistenceFailure, msg.ID, msg.Username, err)
}
