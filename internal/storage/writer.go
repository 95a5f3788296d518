package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"compile-sandbox/internal/queue"
)

// Archiver writes dead letters to an Archive from a background goroutine so
// a slow database never blocks a worker loop.
type Archiver struct {
	archive Archive
	ch      chan *DeadLetterRecord
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

func NewArchiver(archive Archive, bufferSize int) *Archiver {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &Archiver{
		archive: archive,
		ch:      make(chan *DeadLetterRecord, bufferSize),
		done:    make(chan struct{}),
	}
}

func (w *Archiver) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues a dead letter for archiving. A full buffer drops the entry; the
// Redis dead-letter list still has it.
func (w *Archiver) Log(dl queue.DeadLetter) {
	rec := NewRecord(dl)
	select {
	case w.ch <- rec:
	default:
		log.Warn().Str("job_id", dl.JobID).Msg("archive buffer full, dropping dead letter")
	}
}

// Flush stops accepting work and waits up to timeout for the buffer to drain.
func (w *Archiver) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("dead-letter archiver flushed")
	case <-time.After(timeout):
		log.Warn().Msg("dead-letter archiver flush timed out")
	}
}

func (w *Archiver) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Archiver) writeWithRetry(rec *DeadLetterRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.archive.Insert(ctx, rec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("job_id", rec.JobID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("archive write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("job_id", rec.JobID).
				Msg("archive write failed permanently after retries")
		}
	}
}

// MirroredDLQ pushes every dead letter to the queue's list and to the
// archive. Listing reads from the queue.
type MirroredDLQ struct {
	queue.DeadLetterQueue
	archiver *Archiver
}

func Mirror(dlq queue.DeadLetterQueue, archiver *Archiver) *MirroredDLQ {
	return &MirroredDLQ{DeadLetterQueue: dlq, archiver: archiver}
}

func (m *MirroredDLQ) DeadLetter(ctx context.Context, dl queue.DeadLetter) error {
	err := m.DeadLetterQueue.DeadLetter(ctx, dl)
	if m.archiver != nil {
		m.archiver.Log(dl)
	}
	return err
}
