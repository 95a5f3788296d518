package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdEngine runs slot containers as containerd tasks. Each Exec is a
// task process, so a timeout kills the process inside the container.
type ContainerdEngine struct {
	client *Client
}

func NewContainerdEngine(client *Client) *ContainerdEngine {
	return &ContainerdEngine{client: client}
}

func (e *ContainerdEngine) Name() string { return "containerd" }

func (e *ContainerdEngine) KillsOnTimeout() bool { return true }

func (e *ContainerdEngine) Close() error { return e.client.Close() }

func (e *ContainerdEngine) Ping(ctx context.Context) error {
	if e.client.Healthy(ctx) {
		return nil
	}
	if err := e.client.Reconnect(ctx); err != nil {
		return err
	}
	return nil
}

func (e *ContainerdEngine) Create(ctx context.Context, spec ContainerSpec) error {
	image, err := e.client.PullImage(ctx, spec.Image)
	if err != nil {
		return &ExecutionError{Op: "pull_image", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}

	limits := spec.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}
	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(KeepAlive...),
		oci.WithHostname(spec.Name),
	}
	if spec.User != "" {
		specOpts = append(specOpts, oci.WithUser(spec.User))
	}
	specOpts = append(specOpts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		hardenSlotSpec(s, spec.Seccomp, spec.HostDir)
		ApplyResourceLimits(s, limits)
		return nil
	})

	nsCtx := e.client.WithNamespace(ctx)
	createCtx, cancel := context.WithTimeout(nsCtx, createTimeout)
	defer cancel()

	container, err := e.client.Raw().NewContainer(createCtx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithContainerLabels(map[string]string{SlotLabel: spec.Name}),
	)
	if err != nil {
		return &ExecutionError{Op: "create_container", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}

	task, err := container.NewTask(createCtx, cio.NullIO)
	if err != nil {
		_ = e.cleanupContainer(ctx, container)
		return &ExecutionError{Op: "create_task", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}
	if err := task.Start(createCtx); err != nil {
		_ = e.cleanupContainer(ctx, container)
		return &ExecutionError{Op: "task_start", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}

	log.Info().Str("container", spec.Name).Str("image", spec.Image).Msg("slot container started")
	return nil
}

func (e *ContainerdEngine) Exec(ctx context.Context, name string, spec ExecSpec) Result {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Kill and cleanup must outlive the run deadline.
	nsCtx := e.client.WithNamespace(context.WithoutCancel(ctx))
	start := time.Now()

	container, err := e.client.Raw().LoadContainer(nsCtx, name)
	if err != nil {
		return engineFailure("load_container", err, time.Since(start))
	}
	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return engineFailure("load_task", err, time.Since(start))
	}
	ociSpec, err := container.Spec(nsCtx)
	if err != nil {
		return engineFailure("load_spec", err, time.Since(start))
	}

	pspec := *ociSpec.Process
	pspec.Terminal = false
	pspec.Args = spec.Args
	pspec.Cwd = spec.WorkDir
	if pspec.Cwd == "" {
		pspec.Cwd = MountPoint
	}

	var overflowed atomic.Bool
	out := newLineCollector(spec.MaxLines, func() {
		overflowed.Store(true)
		cancel()
	})

	execID := "exec-" + uuid.NewString()
	process, err := task.Exec(nsCtx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, out, out)))
	if err != nil {
		return engineFailure("task_exec", err, time.Since(start))
	}
	defer func() {
		if _, err := process.Delete(nsCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container", name).Msg("exec process delete failed")
		}
	}()

	exitCh, err := process.Wait(nsCtx)
	if err != nil {
		return engineFailure("process_wait", err, time.Since(start))
	}
	if err := process.Start(nsCtx); err != nil {
		return engineFailure("process_start", err, time.Since(start))
	}

	exitCode := -1
	select {
	case status := <-exitCh:
		exitCode = int(status.ExitCode())
	case <-runCtx.Done():
		if err := process.Kill(nsCtx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			log.Error().Err(err).Str("container", name).Msg("failed to kill exec process")
		}
		<-exitCh
	}
	process.IO().Wait()

	elapsed := time.Since(start)
	output, truncated := out.Finish()

	switch {
	case truncated || overflowed.Load():
		return Result{Output: output, ExitCode: exitCode, Truncated: true, Duration: elapsed}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return timeoutResult(timeout, elapsed)
	case ctx.Err() != nil:
		return launchFailure(ctx.Err(), elapsed)
	}

	return Result{
		Success:  exitCode == 0,
		Output:   output,
		ExitCode: exitCode,
		Duration: elapsed,
	}
}

func (e *ContainerdEngine) Remove(ctx context.Context, name string) error {
	container, err := e.client.Raw().LoadContainer(e.client.WithNamespace(ctx), name)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return &ExecutionError{Op: "load_container", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}
	return e.cleanupContainer(ctx, container)
}

func (e *ContainerdEngine) cleanupContainer(ctx context.Context, container containerd.Container) error {
	id := container.ID()
	logger := log.With().Str("container", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(e.client.WithNamespace(ctx), 30*time.Second)
	defer cancel()

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, syscall.SIGKILL, containerd.WithKillAll)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			if exitCh, err := task.Wait(waitCtx); err == nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		logger.Error().Err(err).Msg("failed to delete container")
		return &ExecutionError{Op: "delete_container", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}

	logger.Debug().Msg("container removed")
	return nil
}

// RemoveOrphans removes slot containers left over from previous runs.
func (e *ContainerdEngine) RemoveOrphans(ctx context.Context, prefix string) (int, error) {
	containers, err := e.client.Raw().Containers(e.client.WithNamespace(ctx))
	if err != nil {
		return 0, fmt.Errorf("%w: listing containers: %v", ErrEngine, err)
	}

	var removed int
	for _, c := range containers {
		if !strings.HasPrefix(c.ID(), prefix) {
			continue
		}

		log.Warn().Str("container", c.ID()).Msg("removing orphaned sandbox container")
		if err := e.cleanupContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container", c.ID()).Msg("failed to remove orphaned container")
			continue
		}
		removed++
	}
	return removed, nil
}
