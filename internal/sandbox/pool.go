package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// DefaultMaxUsage is how many attempts a slot container serves before it is
// recreated.
const DefaultMaxUsage = 100

// recycleTimeout bounds the recreate that follows a killed exec.
const recycleTimeout = 30 * time.Second

type PoolConfig struct {
	Workers      int
	Prefix       string // container name prefix, e.g. "compile-executor-"
	Image        string
	WorkspaceDir string
	User         string
	Limits       ResourceLimits
	Seccomp      *specs.LinuxSeccomp
	MaxUsage     int
}

// SlotInfo is a point-in-time view of one slot.
type SlotInfo struct {
	WorkerID    int       `json:"worker_id"`
	Container   string    `json:"container"`
	Usage       int       `json:"usage"`
	Ready       bool      `json:"ready"`
	Recreations int       `json:"recreations"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

type slot struct {
	name        string
	usage       int
	ready       bool // false until created and after Invalidate
	recreations int
	createdAt   time.Time
}

// Pool keeps one long-lived container per worker. Slot i is only ever
// mutated by worker loop i; the mutex exists so Slots can read the table.
type Pool struct {
	engine Engine
	cfg    PoolConfig

	mu    sync.RWMutex
	slots []*slot
}

func NewPool(engine Engine, cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxUsage < 1 {
		cfg.MaxUsage = DefaultMaxUsage
	}
	if cfg.Limits == (ResourceLimits{}) {
		cfg.Limits = DefaultLimits()
	}

	p := &Pool{
		engine: engine,
		cfg:    cfg,
		slots:  make([]*slot, cfg.Workers),
	}
	for i := range p.slots {
		p.slots[i] = &slot{name: fmt.Sprintf("%s%d", cfg.Prefix, i)}
	}
	return p
}

func (p *Pool) Engine() Engine { return p.engine }

func (p *Pool) Size() int { return len(p.slots) }

func (p *Pool) get(workerID int) (*slot, error) {
	if workerID < 0 || workerID >= len(p.slots) {
		return nil, fmt.Errorf("%w: no slot for worker %d", ErrSlotUnavailable, workerID)
	}
	return p.slots[workerID], nil
}

// ContainerName returns the slot container name for a worker.
func (p *Pool) ContainerName(workerID int) string {
	s, err := p.get(workerID)
	if err != nil {
		return ""
	}
	return s.name
}

// JobDir is the job's working directory as seen inside the container.
func JobDir(jobID string) string {
	return path.Join(MountPoint, jobID)
}

// CreateOrReset force-removes the worker's container and starts a fresh one.
// Usage is reset only when creation succeeds.
func (p *Pool) CreateOrReset(ctx context.Context, workerID int) error {
	s, err := p.get(workerID)
	if err != nil {
		return err
	}

	logger := log.With().Int("worker_id", workerID).Str("container", s.name).Logger()

	p.mu.Lock()
	s.ready = false
	p.mu.Unlock()

	if err := p.engine.Remove(ctx, s.name); err != nil {
		logger.Warn().Err(err).Msg("removing previous slot container failed")
	}

	err = p.engine.Create(ctx, ContainerSpec{
		Name:    s.name,
		Image:   p.cfg.Image,
		HostDir: p.cfg.WorkspaceDir,
		User:    p.cfg.User,
		Limits:  p.cfg.Limits,
		Seccomp: p.cfg.Seccomp,
	})
	if err != nil {
		logger.Error().Err(err).Msg("slot container creation failed")
		return &ExecutionError{Op: "create_slot", Err: fmt.Errorf("%w: %w", ErrSlotUnavailable, err)}
	}

	p.mu.Lock()
	s.usage = 0
	s.ready = true
	s.recreations++
	s.createdAt = time.Now()
	p.mu.Unlock()

	logger.Info().Msg("slot ready")
	return nil
}

// ShouldRotate reports whether the slot must be recreated before the next
// attempt: it hit the usage ceiling, was invalidated, or never came up.
func (p *Pool) ShouldRotate(workerID int) bool {
	s, err := p.get(workerID)
	if err != nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !s.ready || s.usage >= p.cfg.MaxUsage
}

// MarkUsed counts one attempt against the slot and returns the new count.
func (p *Pool) MarkUsed(workerID int) int {
	s, err := p.get(workerID)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s.usage++
	return s.usage
}

func (p *Pool) Usage(workerID int) int {
	s, err := p.get(workerID)
	if err != nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return s.usage
}

// Invalidate forces a recreate before the slot is used again.
func (p *Pool) Invalidate(workerID int) {
	s, err := p.get(workerID)
	if err != nil {
		return
	}
	p.mu.Lock()
	s.ready = false
	p.mu.Unlock()
}

// Exec runs a command in the worker's container. When a timed out or
// truncated command was only killed on the host side, the process may still
// be running inside the container, so the slot is recreated before Exec
// returns. If that fails the slot stays invalid and is retried on next use.
func (p *Pool) Exec(ctx context.Context, workerID int, spec ExecSpec) Result {
	s, err := p.get(workerID)
	if err != nil {
		return Result{Output: "System Error: " + err.Error(), ExitCode: -1, Err: err}
	}

	res := p.engine.Exec(ctx, s.name, spec)
	if (res.TimedOut || res.Truncated) && !p.engine.KillsOnTimeout() {
		p.recycle(ctx, workerID)
	}
	return res
}

func (p *Pool) recycle(ctx context.Context, workerID int) {
	p.Invalidate(workerID)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recycleTimeout)
	defer cancel()
	if err := p.CreateOrReset(rctx, workerID); err != nil {
		log.Warn().Err(err).Int("worker_id", workerID).Msg("recreating slot after killed exec failed")
		return
	}
	log.Debug().Int("worker_id", workerID).Msg("slot recreated after killed exec")
}

// Slots returns a snapshot of every slot for admin listing.
func (p *Pool) Slots() []SlotInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		out[i] = SlotInfo{
			WorkerID:    i,
			Container:   s.name,
			Usage:       s.usage,
			Ready:       s.ready,
			Recreations: s.recreations,
			CreatedAt:   s.createdAt,
		}
	}
	return out
}

// RemoveOrphans clears containers with the pool's prefix left by a previous
// process.
func (p *Pool) RemoveOrphans(ctx context.Context) (int, error) {
	n, err := p.engine.RemoveOrphans(ctx, p.cfg.Prefix)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("cleaned orphaned slot containers")
	}
	return n, nil
}

// Teardown removes every slot container.
func (p *Pool) Teardown(ctx context.Context) error {
	var errs []error
	for i, s := range p.slots {
		if err := p.engine.Remove(ctx, s.name); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", i, err))
		}
		p.mu.Lock()
		s.ready = false
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}
