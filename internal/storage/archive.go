// Package storage archives dead-lettered jobs in PostgreSQL or SQLite.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"compile-sandbox/internal/config"
	"compile-sandbox/internal/queue"
)

// Archive is a durable dead-letter table.
type Archive interface {
	Insert(ctx context.Context, rec *DeadLetterRecord) error
	List(ctx context.Context, filter Filter) ([]DeadLetterRecord, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Open returns the archive selected by cfg.Driver, or nil for "none".
func Open(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "postgres":
		db, err := New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// NewRecord fills in the archive id and timestamp for a dead letter.
func NewRecord(dl queue.DeadLetter) *DeadLetterRecord {
	return &DeadLetterRecord{
		ID:         uuid.NewString(),
		JobID:      dl.JobID,
		Error:      truncateForDB(dl.Error, maxErrorLen),
		FailTime:   dl.FailTime.UTC(),
		ArchivedAt: time.Now().UTC(),
	}
}
