package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"compile-sandbox/pkg/seccomp"
)

// daemonErrorMarkers identify docker CLI output that describes a failure of
// the daemon or the container rather than of the command run inside it.
var daemonErrorMarkers = []string{
	"Error response from daemon",
	"Cannot connect to the Docker daemon",
	"error during connect",
}

// DockerCLI drives containers through the docker binary.
type DockerCLI struct {
	runner     Runner
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)
	profileDir string
}

func NewDockerCLI(runner Runner, dockerHost string) *DockerCLI {
	if runner == nil {
		runner = NewCommandRunner()
	}
	return &DockerCLI{
		runner:     runner,
		dockerHost: dockerHost,
		profileDir: os.TempDir(),
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerCLI) Name() string { return "docker" }

func (d *DockerCLI) KillsOnTimeout() bool { return false }

func (d *DockerCLI) Close() error { return nil }

func (d *DockerCLI) docker(ctx context.Context, timeout time.Duration, maxLines int, args ...string) Result {
	c := Command{
		Name:     "docker",
		Args:     args,
		Timeout:  timeout,
		MaxLines: maxLines,
	}
	if d.dockerHost != "" {
		c.Env = []string{"DOCKER_HOST=" + d.dockerHost}
	}
	return d.runner.Run(ctx, c)
}

func (d *DockerCLI) Ping(ctx context.Context) error {
	res := d.docker(ctx, 5*time.Second, 0, "info", "--format", "{{.ServerVersion}}")
	if res.Err != nil || !res.Success {
		return fmt.Errorf("%w: docker daemon not reachable: %s", ErrEngineDown, strings.TrimSpace(res.Output))
	}
	return nil
}

func (d *DockerCLI) Remove(ctx context.Context, name string) error {
	res := d.docker(ctx, removeTimeout, 0, "rm", "-f", name)
	_ = os.Remove(d.profilePath(name))
	if res.Err != nil {
		return &ExecutionError{Op: "docker_rm", Err: res.Err}
	}
	// "No such container" is the expected answer for a fresh slot.
	return nil
}

func (d *DockerCLI) profilePath(name string) string {
	return filepath.Join(d.profileDir, name+"-seccomp.json")
}

func (d *DockerCLI) Create(ctx context.Context, spec ContainerSpec) error {
	var seccompPath string
	if spec.Seccomp != nil {
		data, err := seccomp.DockerJSON(spec.Seccomp)
		if err != nil {
			return &ExecutionError{Op: "seccomp_profile", Err: err}
		}
		seccompPath = d.profilePath(spec.Name)
		if err := os.WriteFile(seccompPath, data, 0o600); err != nil {
			return &ExecutionError{Op: "write_seccomp", Err: err}
		}
	}

	args := buildRunArgs(spec, seccompPath)
	res := d.docker(ctx, createTimeout, 0, args...)
	if res.Err != nil {
		return &ExecutionError{Op: "docker_run", Err: res.Err}
	}
	if !res.Success {
		return &ExecutionError{
			Op:  "docker_run",
			Err: fmt.Errorf("%w: %s", ErrEngine, strings.TrimSpace(res.Output)),
		}
	}

	log.Info().Str("container", spec.Name).Str("image", spec.Image).Msg("slot container started")
	return nil
}

func buildRunArgs(spec ContainerSpec, seccompPath string) []string {
	limits := spec.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if seccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+seccompPath)
	}
	args = append(args,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", limits.CPUs(),
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-v", fmt.Sprintf("%s:%s", spec.HostDir, MountPoint),
		"-e", "LANG=C.UTF-8",
	)
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	args = append(args, spec.Image)
	return append(args, KeepAlive...)
}

func (d *DockerCLI) Exec(ctx context.Context, name string, spec ExecSpec) Result {
	args := []string{"exec"}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	args = append(args, name)
	args = append(args, spec.Args...)

	res := d.docker(ctx, spec.Timeout, spec.MaxLines, args...)
	if res.Err == nil && !res.Success && !res.TimedOut && !res.Truncated && isDaemonError(res.Output) {
		cause := strings.TrimSpace(res.Output)
		res.Err = &ExecutionError{Op: "docker_exec", Err: fmt.Errorf("%w: %s", ErrEngine, cause)}
		res.Output = "System Error: " + cause
	}
	return res
}

func isDaemonError(output string) bool {
	output = strings.TrimSpace(output)
	for _, marker := range daemonErrorMarkers {
		if strings.HasPrefix(output, marker) {
			return true
		}
	}
	return false
}

// RemoveOrphans removes containers left over from earlier runs.
func (d *DockerCLI) RemoveOrphans(ctx context.Context, prefix string) (int, error) {
	res := d.docker(ctx, 10*time.Second, 10000, "ps", "-a", "--filter", "name="+prefix, "--format", "{{.Names}}")
	if res.Err != nil {
		return 0, res.Err
	}
	if !res.Success {
		return 0, fmt.Errorf("%w: listing containers: %s", ErrEngine, strings.TrimSpace(res.Output))
	}

	var removed int
	for _, name := range strings.Fields(res.Output) {
		// The name filter matches substrings; only our own prefix counts.
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
	return removed, nil
}
