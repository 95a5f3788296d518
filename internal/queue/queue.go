// Package queue hands jobs from the API to the workers: a dedup-guarded FIFO,
// a processing ledger of claimed-but-unacknowledged jobs, and a dead-letter
// list for jobs that failed on a system fault.
package queue

import (
	"context"
	"errors"
	"time"
)

const (
	PendingKey    = "compile_job_queue"
	ProcessingKey = "compile_job_processing"
	DeadLetterKey = "compile_job_dlq"
	LockPrefix    = "job:lock:"

	// LockTTL bounds how long a duplicate submission is rejected.
	LockTTL = 10 * time.Minute
)

var ErrClosed = errors.New("queue closed")

// AdmitFunc runs after the dedup lock is taken and before the job becomes
// claimable. An error aborts the submission and releases the lock.
type AdmitFunc func(ctx context.Context) error

// Queue is shared by the API and every worker loop.
type Queue interface {
	// Submit returns accepted=false with a nil error for a duplicate.
	Submit(ctx context.Context, jobID string, admit AdmitFunc) (accepted bool, err error)
	// Claim moves the head of the FIFO to the processing ledger. It waits up
	// to timeout and returns ok=false when nothing arrived.
	Claim(ctx context.Context, timeout time.Duration) (jobID string, ok bool, err error)
	// Acknowledge removes the job from the ledger and releases its lock.
	Acknowledge(ctx context.Context, jobID string) error

	Processing(ctx context.Context) ([]string, error)
	// Requeue moves a stuck job from the ledger back to the FIFO tail.
	Requeue(ctx context.Context, jobID string) (bool, error)
	PendingLen(ctx context.Context) (int64, error)

	DeadLetterQueue
}

// DeadLetter is the minimal record kept for a job that hit an unrecoverable
// system fault.
type DeadLetter struct {
	JobID    string    `json:"jobId"`
	Error    string    `json:"error"`
	FailTime time.Time `json:"failTime"`
}

type DeadLetterQueue interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
	// DeadLetters returns up to limit entries, newest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

func LockKey(jobID string) string { return LockPrefix + jobID }
