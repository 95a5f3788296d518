package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"compile-sandbox/internal/config"
)

// MountPoint is where the host workspace appears inside every slot container.
const MountPoint = "/app"

// KeepAlive is the long-lived process that holds a slot container open
// between execs.
var KeepAlive = []string{"tail", "-f", "/dev/null"}

const (
	createTimeout = 10 * time.Second
	removeTimeout = 5 * time.Second
)

// ContainerSpec describes one long-lived slot container.
type ContainerSpec struct {
	Name    string
	Image   string
	HostDir string // bind-mounted read-write at MountPoint
	User    string
	Limits  ResourceLimits
	Seccomp *specs.LinuxSeccomp // nil leaves the engine's default profile
}

// ExecSpec describes one command run inside an existing container.
type ExecSpec struct {
	WorkDir  string
	Args     []string
	Timeout  time.Duration
	MaxLines int
}

// Engine is a container runtime able to host slot containers.
type Engine interface {
	Name() string
	Ping(ctx context.Context) error
	Create(ctx context.Context, spec ContainerSpec) error
	// Remove force-removes a container; a missing container is not an error.
	Remove(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, spec ExecSpec) Result
	RemoveOrphans(ctx context.Context, prefix string) (int, error)
	// KillsOnTimeout reports whether a timed out or truncated Exec is
	// guaranteed to leave no process behind inside the container.
	KillsOnTimeout() bool
	Close() error
}

// NewEngine picks the configured engine. "auto" prefers containerd on Linux
// and falls back to the docker CLI.
func NewEngine(ctx context.Context, cfg config.SandboxConfig, runner Runner) (Engine, error) {
	preference := cfg.Engine
	if preference == "" {
		preference = "docker"
	}

	switch preference {
	case "containerd":
		return newContainerdEngine(ctx, cfg)
	case "docker":
		return newDockerCLIEngine(ctx, cfg, runner)
	case "docker-api":
		return newDockerAPIEngine(ctx, cfg)
	case "auto":
		if runtime.GOOS == "linux" {
			engine, err := newContainerdEngine(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd engine")
				return engine, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		engine, err := newDockerCLIEngine(ctx, cfg, runner)
		if err == nil {
			log.Info().Msg("using Docker engine")
			return engine, nil
		}

		return nil, fmt.Errorf("%w: install Docker or containerd", ErrEngineDown)
	default:
		return nil, fmt.Errorf("unknown engine %q: must be auto, docker, docker-api or containerd", preference)
	}
}

func newContainerdEngine(ctx context.Context, cfg config.SandboxConfig) (Engine, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.ContainerdNamespace)
	if err != nil {
		return nil, err
	}
	return NewContainerdEngine(client), nil
}

func newDockerCLIEngine(ctx context.Context, cfg config.SandboxConfig, runner Runner) (Engine, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrEngineDown, err)
	}

	host := cfg.DockerHost
	if host == "" {
		host = resolveDockerHost()
	}
	engine := NewDockerCLI(runner, host)
	if err := engine.Ping(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

func newDockerAPIEngine(ctx context.Context, cfg config.SandboxConfig) (Engine, error) {
	engine, err := NewDockerAPI(cfg.DockerHost)
	if err != nil {
		return nil, err
	}
	if err := engine.Ping(ctx); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return engine, nil
}

// LimitsFromConfig converts the config block, falling back to the defaults
// for unset values.
func LimitsFromConfig(c config.LimitsConfig) ResourceLimits {
	limits := DefaultLimits()
	if c.CPUShares > 0 {
		limits.CPUShares = c.CPUShares
	}
	if c.MemoryMB > 0 {
		limits.MemoryMB = c.MemoryMB
	}
	if c.PidsLimit > 0 {
		limits.PidsLimit = c.PidsLimit
	}
	if c.DiskMB > 0 {
		limits.DiskMB = c.DiskMB
	}
	return limits
}
