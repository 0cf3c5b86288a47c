package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	badgerPrefix      = "msg:"
	badgerSequenceKey = "seq:messages"
	sequenceBandwidth = 128
)

// Badger persists messages in an embedded BadgerDB.
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// diskMessage is the CBOR value stored under each message key.
type diskMessage struct {
	ID       string `cbor:"1,keyasint"`
	Username string `cbor:"2,keyasint"`
	Text     string `cbor:"3,keyasint"`
	At       int64  `cbor:"4,keyasint"`
}

// OpenBadger opens (or creates) a BadgerDB at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, log *slog.Logger) (*Badger, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(strings.TrimSpace(path)).
		WithLogger(badgerLogger{log: log.With("component", "badger")}).
		WithLoggingLevel(badger.WARNING)
	if strings.TrimSpace(path) == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	seq, err := db.GetSequence([]byte(badgerSequenceKey), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open message sequence: %w", err)
	}
	return &Badger{db: db, seq: seq, log: log}, nil
}

// messageKey is "msg:{seq}" with seq zero padded to 20 digits, so key order
// is append order whatever the message timestamps say.
func messageKey(seq uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", badgerPrefix, seq)
}

func (b *Badger) Append(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := cbor.Marshal(diskMessage{
		ID:       msg.ID.String(),
		Username: msg.Username,
		Text:     msg.Text,
		At:       msg.Datetime.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	seq, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("next message sequence: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(seq), value)
	})
}

// FetchRecent walks the key space backwards from the newest message and
// stops at limit, then flips the result to oldest first.
func (b *Badger) FetchRecent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	var values [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerPrefix)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		seek := append(slices.Clone(prefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if len(values) == limit {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}

	messages := make([]Message, 0, len(values))
	for _, value := range values {
		var dm diskMessage
		if err := cbor.Unmarshal(value, &dm); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		id, err := uuid.Parse(dm.ID)
		if err != nil {
			return nil, fmt.Errorf("decode message id: %w", err)
		}
		messages = append(messages, Message{
			ID:       id,
			Username: dm.Username,
			Text:     dm.Text,
			Datetime: time.Unix(0, dm.At).UTC(),
		})
	}
	slices.Reverse(messages)
	return messages, nil
}

func (b *Badger) Close() error {
	b.log.Info("Closing BadgerDB...")
	if err := b.seq.Release(); err != nil {
		b.log.Warn("Releasing message sequence failed", "error", err)
	}
	return b.db.Close()
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
