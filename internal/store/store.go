// Package store persists job records with a status-dependent retention window.
package store

import (
	"context"
	"errors"
	"time"

	"compile-sandbox/internal/job"
)

const (
	KeyPrefix = "job:"

	// PendingTTL applies while a job is PENDING or RUNNING.
	PendingTTL = 24 * time.Hour
	// TerminalTTL applies once a job is SUCCESS or FAIL.
	TerminalTTL = time.Hour
)

var ErrNotFound = errors.New("job not found")

// Store is keyed, TTL-bound persistence of job records. Implementations are
// safe for concurrent use.
type Store interface {
	Put(ctx context.Context, rec *job.Record) error
	Get(ctx context.Context, id string) (*job.Record, error)
	// UpdateResult sets status and output in a single write. Absent records
	// are left alone.
	UpdateResult(ctx context.Context, id string, success bool, output string) error
}

// Retention picks the TTL for a record in the given status.
func Retention(s job.Status, pending, terminal time.Duration) time.Duration {
	if s.Terminal() {
		return terminal
	}
	return pending
}

// TTLs lets deployments shorten or extend both retention windows.
type TTLs struct {
	Pending  time.Duration
	Terminal time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{Pending: PendingTTL, Terminal: TerminalTTL}
}

func (t TTLs) normalize() TTLs {
	if t.Pending <= 0 {
		t.Pending = PendingTTL
	}
	if t.Terminal <= 0 {
		t.Terminal = TerminalTTL
	}
	return t
}
