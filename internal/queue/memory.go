package queue

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryQueue implements Queue in process for single-node runs and tests.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []string
	processing []string
	locks      map[string]time.Time
	dead       []DeadLetter
	lockTTL    time.Duration
	now        func() time.Time

	// wake is closed and replaced on every push so all waiting claimers
	// re-check the FIFO.
	wake chan struct{}
}

func NewMemoryQueue(lockTTL time.Duration) *MemoryQueue {
	if lockTTL <= 0 {
		lockTTL = LockTTL
	}
	return &MemoryQueue{
		locks:   make(map[string]time.Time),
		lockTTL: lockTTL,
		now:     time.Now,
		wake:    make(chan struct{}),
	}
}

func (q *MemoryQueue) Submit(ctx context.Context, jobID string, admit AdmitFunc) (bool, error) {
	q.mu.Lock()
	now := q.now()
	if exp, held := q.locks[jobID]; held && now.Before(exp) {
		q.mu.Unlock()
		return false, nil
	}
	q.locks[jobID] = now.Add(q.lockTTL)
	q.mu.Unlock()

	if admit != nil {
		if err := admit(ctx); err != nil {
			q.mu.Lock()
			delete(q.locks, jobID)
			q.mu.Unlock()
			return false, err
		}
	}

	q.mu.Lock()
	q.pending = append(q.pending, jobID)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
	return true, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			q.processing = append(q.processing, id)
			q.mu.Unlock()
			return id, true, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Acknowledge(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := slices.Index(q.processing, jobID); i >= 0 {
		q.processing = slices.Delete(q.processing, i, i+1)
	}
	delete(q.locks, jobID)
	return nil
}

func (q *MemoryQueue) Processing(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.processing), nil
}

func (q *MemoryQueue) Requeue(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := slices.Index(q.processing, jobID)
	if i < 0 {
		return false, nil
	}
	q.processing = slices.Delete(q.processing, i, i+1)
	q.pending = append(q.pending, jobID)
	close(q.wake)
	q.wake = make(chan struct{})
	return true, nil
}

func (q *MemoryQueue) PendingLen(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, dl)
	return nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]DeadLetter, 0, min(limit, len(q.dead)))
	for i := len(q.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.dead[i])
	}
	return out, nil
}
