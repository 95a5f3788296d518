// Package worker runs claimed jobs through screening, compile and run inside
// the worker's sandbox slot, then finalizes, dead-letters and notifies.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"compile-sandbox/internal/job"
	"compile-sandbox/internal/monitor"
	"compile-sandbox/internal/queue"
	"compile-sandbox/internal/runtime"
	"compile-sandbox/internal/sandbox"
	"compile-sandbox/internal/store"
)

// maxAttempts is the first attempt plus one retry after a slot recreate.
const maxAttempts = 2

// Slots is the part of the sandbox pool the pipeline drives.
type Slots interface {
	CreateOrReset(ctx context.Context, workerID int) error
	ShouldRotate(workerID int) bool
	MarkUsed(workerID int) int
	Exec(ctx context.Context, workerID int, spec sandbox.ExecSpec) sandbox.Result
}

// Notifier delivers a finished record to its callback URL.
type Notifier interface {
	Deliver(ctx context.Context, rec *job.Record) error
}

type PipelineConfig struct {
	CompileTimeout time.Duration
	RunTimeout     time.Duration
	MaxOutputLines int
}

type Pipeline struct {
	slots     Slots
	store     store.Store
	dlq       queue.DeadLetterQueue
	notifier  Notifier
	workspace *sandbox.Workspace
	toolchain runtime.Toolchain
	screener  *monitor.Screener
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	cfg       PipelineConfig
}

type PipelineDeps struct {
	Slots     Slots
	Store     store.Store
	DLQ       queue.DeadLetterQueue
	Notifier  Notifier
	Workspace *sandbox.Workspace
	Toolchain runtime.Toolchain
	Screener  *monitor.Screener
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer
}

func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = 10 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = sandbox.DefaultCommandTimeout
	}
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = sandbox.DefaultMaxLines
	}
	if deps.Toolchain == nil {
		deps.Toolchain = runtime.NewJava("")
	}
	if deps.Screener == nil {
		deps.Screener = monitor.NewScreener()
	}
	if deps.Tracer == nil {
		deps.Tracer = monitor.NewTracer()
	}
	return &Pipeline{
		slots:     deps.Slots,
		store:     deps.Store,
		dlq:       deps.DLQ,
		notifier:  deps.Notifier,
		workspace: deps.Workspace,
		toolchain: deps.Toolchain,
		screener:  deps.Screener,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		cfg:       cfg,
	}
}

// Execute takes a RUNNING record to a terminal state. It always finalizes:
// the returned outcome is either terminal or a SystemFault that has already
// been dead-lettered.
func (p *Pipeline) Execute(ctx context.Context, workerID int, rec *job.Record) job.Outcome {
	logger := log.With().Str("job_id", rec.ID).Int("worker_id", workerID).Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := p.tracer.StartSpan(ctx, "job",
		monitor.AttrJobID.String(rec.ID),
		monitor.AttrWorkerID.Int(workerID),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if err := p.workspace.Remove(rec.ID); err != nil {
			logger.Warn().Err(err).Msg("removing job directory failed")
		}
	}()

	outcome := p.screen(rec)
	if outcome.Kind == job.Validated {
		outcome = p.executeWithRetry(ctx, workerID, rec)
	}

	if outcome.Kind == job.SystemFault {
		p.DeadLetter(ctx, rec, outcome.Err)
	} else {
		p.finalize(ctx, rec, outcome)
	}

	span.SetAttributes(
		monitor.AttrStatus.String(string(rec.Status)),
		monitor.AttrOutcome.String(outcome.Kind.String()),
		monitor.AttrDurationMS.Int64(time.Since(start).Milliseconds()),
	)
	logger.Info().
		Str("status", string(rec.Status)).
		Str("outcome", outcome.Kind.String()).
		Dur("duration", time.Since(start)).
		Msg("job finished")

	p.notify(ctx, rec)
	return outcome
}

func (p *Pipeline) screen(rec *job.Record) job.Outcome {
	if kw, found := p.screener.Screen(rec.Code); found {
		return job.Violation(kw)
	}
	return job.ValidatedOutcome()
}

func (p *Pipeline) executeWithRetry(ctx context.Context, workerID int, rec *job.Record) job.Outcome {
	logger := zerolog.Ctx(ctx)

	if _, err := p.workspace.Write(rec.ID, p.toolchain.SourceFile(), rec.Code); err != nil {
		logger.Error().Err(err).Msg("writing source failed")
		return job.Fault(&sandbox.ExecutionError{JobID: rec.ID, Op: "write_source", Err: err})
	}

	var outcome job.Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome = p.attempt(ctx, workerID, rec, attempt)
		if outcome.Kind != job.SystemFault || attempt == maxAttempts {
			break
		}

		logger.Warn().Err(outcome.Err).Int("attempt", attempt).Msg("system fault, recreating slot and retrying")
		if err := p.slots.CreateOrReset(ctx, workerID); err != nil {
			logger.Error().Err(err).Msg("slot recreation before retry failed")
		} else {
			p.recordRecreation(workerID, "system_fault")
		}
	}
	return outcome
}

// attempt runs compile then run once. Usage counts every attempt, even one
// that never reached the container.
func (p *Pipeline) attempt(ctx context.Context, workerID int, rec *job.Record, attempt int) job.Outcome {
	logger := zerolog.Ctx(ctx)
	defer func() {
		usage := p.slots.MarkUsed(workerID)
		if p.metrics != nil {
			p.metrics.SetSlotUsage(workerID, usage)
		}
	}()

	if p.slots.ShouldRotate(workerID) {
		logger.Debug().Msg("rotating slot container")
		if err := p.slots.CreateOrReset(ctx, workerID); err != nil {
			return job.Fault(err)
		}
		p.recordRecreation(workerID, "rotation")
	}

	fileName := p.toolchain.SourceFile()
	if !p.workspace.Has(rec.ID, fileName) {
		if _, err := p.workspace.Write(rec.ID, fileName, rec.Code); err != nil {
			return job.Fault(&sandbox.ExecutionError{JobID: rec.ID, Op: "write_source", Err: err})
		}
	}

	res, fault := p.phase(ctx, workerID, rec, attempt, "compile", p.toolchain.CompileCommand(), p.cfg.CompileTimeout)
	if fault != nil {
		return job.Fault(fault)
	}
	if !res.Success {
		logger.Info().Int("exit_code", res.ExitCode).Bool("timed_out", res.TimedOut).Msg("compilation failed")
		return job.CompletedOutcome(false, res.Output)
	}

	res, fault = p.phase(ctx, workerID, rec, attempt, "run", p.toolchain.RunCommand(), p.cfg.RunTimeout)
	if fault != nil {
		return job.Fault(fault)
	}
	for _, d := range monitor.AnalyzeOutput(res.Output) {
		logger.Warn().Str("pattern", d.Pattern).Str("severity", d.Severity).Msg("suspicious program output")
	}
	return job.CompletedOutcome(res.Success, res.Output)
}

// phase executes one command in the slot. A non-nil error means the command
// could not run at all.
func (p *Pipeline) phase(ctx context.Context, workerID int, rec *job.Record, attempt int, name string, args []string, timeout time.Duration) (sandbox.Result, error) {
	ctx, span := p.tracer.StartSpan(ctx, name,
		monitor.AttrJobID.String(rec.ID),
		monitor.AttrAttempt.Int(attempt),
	)

	res := p.slots.Exec(ctx, workerID, sandbox.ExecSpec{
		WorkDir:  sandbox.JobDir(rec.ID),
		Args:     args,
		Timeout:  timeout,
		MaxLines: p.cfg.MaxOutputLines,
	})

	if p.metrics != nil {
		p.metrics.RecordPhase(name, res.Duration.Seconds())
	}
	span.SetAttributes(monitor.AttrExitCode.Int(res.ExitCode))

	if res.Err != nil {
		if p.metrics != nil {
			p.metrics.RecordFault(name)
		}
		err := &sandbox.ExecutionError{JobID: rec.ID, Op: name, Err: res.Err}
		monitor.EndSpan(span, err)
		return res, err
	}
	monitor.EndSpan(span, nil)
	return res, nil
}

func (p *Pipeline) finalize(ctx context.Context, rec *job.Record, outcome job.Outcome) {
	logger := zerolog.Ctx(ctx)

	if err := rec.Complete(outcome.Success, outcome.Output); err != nil {
		logger.Error().Err(err).Msg("completing record failed")
		return
	}
	if err := p.store.UpdateResult(context.WithoutCancel(ctx), rec.ID, outcome.Success, outcome.Output); err != nil {
		logger.Error().Err(err).Msg("storing job result failed")
	}
	if p.metrics != nil {
		p.metrics.RecordOutcome(string(rec.Status), outcome.Kind.String(), len(rec.Output))
	}
}

// DeadLetter forces the record to FAIL with a system error, persists it and
// pushes it to the dead-letter list. The caller still notifies.
func (p *Pipeline) DeadLetter(ctx context.Context, rec *job.Record, cause error) {
	logger := zerolog.Ctx(ctx)
	ctx = context.WithoutCancel(ctx)
	if cause == nil {
		cause = errors.New("unknown system fault")
	}

	rec.ForceFail(job.SystemErrorOutput(cause))
	if err := p.store.Put(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("storing dead-lettered record failed")
	}

	dl := queue.DeadLetter{JobID: rec.ID, Error: cause.Error(), FailTime: time.Now().UTC()}
	if err := p.dlq.DeadLetter(ctx, dl); err != nil {
		logger.Error().Err(err).Msg("pushing dead letter failed")
	}

	logger.Error().Err(cause).Msg("job dead-lettered")
	if p.metrics != nil {
		p.metrics.DeadLetters.Inc()
		p.metrics.RecordOutcome(string(rec.Status), job.SystemFault.String(), len(rec.Output))
	}
}

func (p *Pipeline) notify(ctx context.Context, rec *job.Record) {
	if p.notifier == nil || rec.CallbackURL == "" {
		return
	}
	if err := p.notifier.Deliver(context.WithoutCancel(ctx), rec.Clone()); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("callback not delivered")
	}
}

func (p *Pipeline) recordRecreation(workerID int, reason string) {
	if p.metrics != nil {
		p.metrics.RecordRecreation(workerID, reason)
	}
}
