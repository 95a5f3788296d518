package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"compile-sandbox/internal/job"
	"compile-sandbox/internal/monitor"
	"compile-sandbox/internal/queue"
	"compile-sandbox/internal/store"
)

var (
	ErrAlreadyStarted = errors.New("dispatcher already started")

	// errRecordMissing is the dead-letter cause for a claimed id whose record
	// expired or was never written.
	errRecordMissing = errors.New("job record not found")
)

// Pool is the slot lifecycle the dispatcher owns around the pipeline.
type Pool interface {
	Slots
	Size() int
	Teardown(ctx context.Context) error
}

type DispatcherConfig struct {
	PollInterval time.Duration
	DrainTimeout time.Duration
}

// Dispatcher runs one claim loop per pool slot. Loop i only ever touches
// slot i, so slot state needs no locking across loops.
type Dispatcher struct {
	queue    queue.Queue
	store    store.Store
	pipeline *Pipeline
	pool     Pool
	metrics  *monitor.Metrics
	cfg      DispatcherConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewDispatcher(q queue.Queue, s store.Store, pipeline *Pipeline, pool Pool, metrics *monitor.Metrics, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Dispatcher{
		queue:    q,
		store:    s,
		pipeline: pipeline,
		pool:     pool,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Start creates every slot container and then launches the loops. A slot
// that cannot be created fails startup.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}

	for i := 0; i < d.pool.Size(); i++ {
		if err := d.pool.CreateOrReset(ctx, i); err != nil {
			return fmt.Errorf("starting worker %d: %w", i, err)
		}
		if d.metrics != nil {
			d.metrics.RecordRecreation(i, "startup")
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.started = true

	for i := 0; i < d.pool.Size(); i++ {
		d.wg.Add(1)
		go d.loop(loopCtx, i)
	}

	log.Info().Int("workers", d.pool.Size()).Dur("poll_interval", d.cfg.PollInterval).Msg("worker dispatcher started")
	return nil
}

// Stop signals the loops, waits up to the drain timeout for in-flight jobs
// and removes the slot containers.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.cancel()
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Msg("worker loops drained")
	case <-time.After(d.cfg.DrainTimeout):
		log.Warn().Dur("drain_timeout", d.cfg.DrainTimeout).Msg("worker loops did not drain in time")
	case <-ctx.Done():
		log.Warn().Msg("shutdown context ended before worker loops drained")
	}

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return d.pool.Teardown(teardownCtx)
}

func (d *Dispatcher) loop(ctx context.Context, workerID int) {
	defer d.wg.Done()
	logger := log.With().Str("component", "worker").Int("worker_id", workerID).Logger()
	logger.Debug().Msg("worker loop started")

	for {
		if ctx.Err() != nil {
			logger.Debug().Msg("worker loop stopped")
			return
		}

		jobID, ok, err := d.queue.Claim(ctx, d.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error().Err(err).Msg("claiming job failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}

		// A job that was claimed runs to completion even if shutdown starts.
		d.handle(context.WithoutCancel(ctx), workerID, jobID)
	}
}

// handle processes one claimed id. The id is always acknowledged, including
// when the pipeline panics.
func (d *Dispatcher) handle(ctx context.Context, workerID int, jobID string) {
	logger := log.With().Str("job_id", jobID).Int("worker_id", workerID).Logger()
	ctx = logger.WithContext(ctx)

	if d.metrics != nil {
		d.metrics.ActiveJobs.Inc()
		defer d.metrics.ActiveJobs.Dec()
	}

	defer func() {
		if err := d.queue.Acknowledge(ctx, jobID); err != nil {
			logger.Error().Err(err).Msg("acknowledging job failed")
		}
	}()

	var rec *job.Record
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("panic in job pipeline")
			cause := fmt.Errorf("panic: %v", r)
			if rec == nil {
				d.deadLetterID(ctx, jobID, cause)
				return
			}
			d.pipeline.DeadLetter(ctx, rec, cause)
			d.pipeline.notify(ctx, rec)
		}
	}()

	rec, err := d.store.Get(ctx, jobID)
	if err != nil {
		cause := err
		if errors.Is(err, store.ErrNotFound) {
			cause = errRecordMissing
		}
		logger.Error().Err(err).Msg("loading claimed job failed")
		d.deadLetterID(ctx, jobID, cause)
		return
	}

	if err := rec.Start(); err != nil {
		// Already terminal: a requeued id whose job had in fact finished.
		logger.Warn().Err(err).Str("status", string(rec.Status)).Msg("skipping claimed job")
		return
	}
	if err := d.store.Put(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("marking job running failed")
	}

	d.pipeline.Execute(ctx, workerID, rec)
}

func (d *Dispatcher) deadLetterID(ctx context.Context, jobID string, cause error) {
	dl := queue.DeadLetter{JobID: jobID, Error: cause.Error(), FailTime: time.Now().UTC()}
	if err := d.pipeline.dlq.DeadLetter(ctx, dl); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("pushing dead letter failed")
	}
	if d.metrics != nil {
		d.metrics.DeadLetters.Inc()
	}
}
