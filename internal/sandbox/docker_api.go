package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"compile-sandbox/pkg/seccomp"
)

// SlotLabel marks containers created by this service.
const SlotLabel = "compile-sandbox.slot"

// DockerAPI drives containers through the Docker Engine API.
type DockerAPI struct {
	cli *client.Client
}

func NewDockerAPI(host string) (*DockerAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", ErrEngineDown, err)
	}
	return &DockerAPI{cli: cli}, nil
}

func (d *DockerAPI) Name() string { return "docker-api" }

// Exec sessions cannot be killed through the API, only detached from.
func (d *DockerAPI) KillsOnTimeout() bool { return false }

func (d *DockerAPI) Close() error { return d.cli.Close() }

func (d *DockerAPI) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %v", ErrEngineDown, err)
	}
	return nil
}

func (d *DockerAPI) Remove(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return &ExecutionError{Op: "container_remove", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}
	return nil
}

func (d *DockerAPI) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once its progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Msg("image pulled successfully")
	return nil
}

func (d *DockerAPI) Create(ctx context.Context, spec ContainerSpec) error {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return &ExecutionError{Op: "pull_image", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}

	cfg, hostCfg, err := containerConfigs(spec)
	if err != nil {
		return &ExecutionError{Op: "seccomp_profile", Err: err}
	}

	createCtx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	created, err := d.cli.ContainerCreate(createCtx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return &ExecutionError{Op: "container_create", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}
	if err := d.cli.ContainerStart(createCtx, created.ID, container.StartOptions{}); err != nil {
		return &ExecutionError{Op: "container_start", Err: fmt.Errorf("%w: %v", ErrEngine, err)}
	}

	log.Info().Str("container", spec.Name).Str("image", spec.Image).Msg("slot container started")
	return nil
}

func containerConfigs(spec ContainerSpec) (*container.Config, *container.HostConfig, error) {
	limits := spec.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}
	pids := limits.PidsLimit

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,nosuid,nodev,size=%dm", limits.DiskMB),
		},
		Binds: []string{fmt.Sprintf("%s:%s", spec.HostDir, MountPoint)},
		Resources: container.Resources{
			Memory:     limits.MemoryBytes(),
			MemorySwap: limits.MemoryBytes(),
			NanoCPUs:   limits.NanoCPUs(),
			PidsLimit:  &pids,
		},
	}
	if spec.Seccomp != nil {
		// The API takes the profile body inline; the CLI reads the file for us.
		data, err := seccomp.DockerJSON(spec.Seccomp)
		if err != nil {
			return nil, nil, err
		}
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "seccomp="+string(data))
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    KeepAlive,
		User:   spec.User,
		Env:    []string{"LANG=C.UTF-8"},
		Labels: map[string]string{SlotLabel: spec.Name},
	}
	return cfg, hostCfg, nil
}

func (d *DockerAPI) Exec(ctx context.Context, name string, spec ExecSpec) Result {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var overflowed atomic.Bool
	out := newLineCollector(spec.MaxLines, func() {
		overflowed.Store(true)
		cancel()
	})

	start := time.Now()
	created, err := d.cli.ContainerExecCreate(runCtx, name, container.ExecOptions{
		Cmd:          spec.Args,
		WorkingDir:   spec.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return engineFailure("exec_create", err, time.Since(start))
	}

	attach, err := d.cli.ContainerExecAttach(runCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return engineFailure("exec_attach", err, time.Since(start))
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(out, out, attach.Reader)
		done <- err
	}()

	var copyErr error
	select {
	case copyErr = <-done:
	case <-runCtx.Done():
		// Closing the hijacked connection unblocks StdCopy.
		attach.Close()
		<-done
	}

	elapsed := time.Since(start)
	output, truncated := out.Finish()

	switch {
	case truncated || overflowed.Load():
		return Result{Output: output, ExitCode: -1, Truncated: true, Duration: elapsed}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return timeoutResult(timeout, elapsed)
	case ctx.Err() != nil:
		return launchFailure(ctx.Err(), elapsed)
	case copyErr != nil:
		return engineFailure("exec_stream", copyErr, elapsed)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return engineFailure("exec_inspect", err, elapsed)
	}
	exitCode := inspect.ExitCode
	if inspect.Running {
		exitCode = -1
	}

	return Result{
		Success:  exitCode == 0,
		Output:   output,
		ExitCode: exitCode,
		Duration: elapsed,
	}
}

// RemoveOrphans removes containers left over from earlier runs.
func (d *DockerAPI) RemoveOrphans(ctx context.Context, prefix string) (int, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: listing containers: %v", ErrEngine, err)
	}

	var removed int
	for _, c := range list {
		for _, n := range c.Names {
			name := strings.TrimPrefix(n, "/")
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			log.Warn().Str("container", name).Msg("removing orphaned sandbox container")
			if err := d.Remove(ctx, name); err != nil {
				log.Error().Err(err).Str("container", name).Msg("failed to remove orphaned container")
				continue
			}
			removed++
		}
	}
	return removed, nil
}
