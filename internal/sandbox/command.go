package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Command describes one host process invocation.
type Command struct {
	Name     string
	Args     []string
	Env      []string // appended to the server's environment
	Timeout  time.Duration
	MaxLines int
}

// Runner runs a command to completion under a timeout and an output ceiling.
type Runner interface {
	Run(ctx context.Context, c Command) Result
}

// CommandRunner runs host processes with os/exec. stdout and stderr share
// one pipe so their lines interleave the way a terminal shows them.
type CommandRunner struct {
	// WaitDelay bounds how long Wait blocks on pipes after the process
	// group was killed.
	WaitDelay time.Duration
}

func NewCommandRunner() *CommandRunner {
	return &CommandRunner{WaitDelay: 2 * time.Second}
}

func (r *CommandRunner) Run(ctx context.Context, c Command) Result {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var overflowed atomic.Bool
	out := newLineCollector(c.MaxLines, func() {
		overflowed.Store(true)
		cancel()
	})

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...) // #nosec G204 -- argv built by the engine, never a shell string
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = r.WaitDelay
	killProcessGroupOnCancel(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("command", c.Name).Msg("command launch failed")
		return launchFailure(err, time.Since(start))
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	output, truncated := out.Finish()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case truncated || overflowed.Load():
		return Result{
			Output:    output,
			ExitCode:  exitCode,
			Truncated: true,
			Duration:  elapsed,
		}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return timeoutResult(timeout, elapsed)
	case ctx.Err() != nil:
		return launchFailure(ctx.Err(), elapsed)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			return launchFailure(waitErr, elapsed)
		}
	}

	return Result{
		Success:  exitCode == 0,
		Output:   output,
		ExitCode: exitCode,
		Duration: elapsed,
	}
}
