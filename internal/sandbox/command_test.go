//go:build unix

package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func sh(script string, timeout time.Duration, maxLines int) Command {
	return Command{Name: "sh", Args: []string{"-c", script}, Timeout: timeout, MaxLines: maxLines}
}

func TestCommandRunner_Success(t *testing.T) {
	r := NewCommandRunner()
	res := r.Run(context.Background(), sh("echo 2", time.Second, 0))

	if !res.Success || res.ExitCode != 0 {
		t.Errorf("Run() = %+v, want success", res)
	}
	if res.Output != "2\n" {
		t.Errorf("Output = %q, want %q", res.Output, "2\n")
	}
	if res.Err != nil {
		t.Errorf("Err = %v, want nil", res.Err)
	}
}

func TestCommandRunner_MergesStderr(t *testing.T) {
	r := NewCommandRunner()
	res := r.Run(context.Background(), sh("echo out; echo err 1>&2; exit 3", time.Second, 0))

	if res.Success {
		t.Error("Success = true, want false for exit 3")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Output != "out\nerr\n" {
		t.Errorf("Output = %q, want both streams", res.Output)
	}
	if res.Err != nil {
		t.Errorf("Err = %v, a failing command is not a launch failure", res.Err)
	}
}

func TestCommandRunner_Timeout(t *testing.T) {
	r := NewCommandRunner()
	start := time.Now()
	// The background sleep holds the pipe open; the group kill must reach it.
	res := r.Run(context.Background(), sh("sleep 30 & sleep 30", 200*time.Millisecond, 0))

	if time.Since(start) > 5*time.Second {
		t.Fatalf("Run() took %s, process group was not killed", time.Since(start))
	}
	if !res.TimedOut || res.Success || res.ExitCode != -1 {
		t.Errorf("Run() = %+v, want timeout", res)
	}
	if res.Output != TimeoutOutput(200*time.Millisecond) {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Err != nil {
		t.Errorf("Err = %v, a timeout is not a launch failure", res.Err)
	}
}

func TestCommandRunner_TruncatesAndKills(t *testing.T) {
	r := NewCommandRunner()
	start := time.Now()
	res := r.Run(context.Background(), sh("while true; do echo line; done", 10*time.Second, 100))

	if time.Since(start) > 5*time.Second {
		t.Fatalf("Run() took %s, runaway writer was not killed", time.Since(start))
	}
	if !res.Truncated || res.TimedOut {
		t.Fatalf("Run() = truncated %v timed out %v, want truncation", res.Truncated, res.TimedOut)
	}
	if res.Success {
		t.Error("Success = true, want false after kill")
	}
	if got := strings.Count(res.Output, "line\n"); got != 100 {
		t.Errorf("kept %d lines, want 100", got)
	}
	if !strings.HasSuffix(res.Output, TruncationMarker(100)) {
		t.Errorf("Output missing truncation marker: %q", res.Output[len(res.Output)-60:])
	}
}

func TestCommandRunner_UnterminatedFloodIsBounded(t *testing.T) {
	r := NewCommandRunner()
	start := time.Now()
	res := r.Run(context.Background(), sh(`yes xxxxxxxxxxxxxxxx | tr -d '\n'`, 10*time.Second, 100))

	if time.Since(start) > 5*time.Second {
		t.Fatalf("Run() took %s, newline-free writer was not killed", time.Since(start))
	}
	if !res.Truncated || res.TimedOut {
		t.Fatalf("Run() = truncated %v timed out %v, want truncation", res.Truncated, res.TimedOut)
	}
	marker := ByteTruncationMarker(MaxOutputBytes)
	if len(res.Output) > MaxOutputBytes+len(marker) {
		t.Errorf("kept %d bytes, want at most %d", len(res.Output), MaxOutputBytes+len(marker))
	}
	if !strings.HasSuffix(res.Output, marker) {
		t.Errorf("Output missing byte truncation marker: %q", res.Output[len(res.Output)-60:])
	}
}

func TestCommandRunner_LaunchFailure(t *testing.T) {
	r := NewCommandRunner()
	res := r.Run(context.Background(), Command{Name: "/nonexistent/binary", Timeout: time.Second})

	if res.Success || res.ExitCode != -1 {
		t.Errorf("Run() = %+v, want failure", res)
	}
	if !errors.Is(res.Err, ErrLaunch) {
		t.Errorf("Err = %v, want ErrLaunch", res.Err)
	}
	if !IsSystemFault(res.Err) {
		t.Error("launch failure should be a system fault")
	}
	if !strings.HasPrefix(res.Output, "System Error: ") {
		t.Errorf("Output = %q, want System Error prefix", res.Output)
	}
}

func TestCommandRunner_ParentCancel(t *testing.T) {
	r := NewCommandRunner()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := r.Run(ctx, sh("sleep 30", 10*time.Second, 0))
	if res.TimedOut {
		t.Error("parent cancellation reported as timeout")
	}
	if res.Err == nil {
		t.Error("Err = nil, want cancellation error")
	}
}

func TestCommandRunner_Env(t *testing.T) {
	r := NewCommandRunner()
	c := sh(`echo "$SANDBOX_TEST_VAR"`, time.Second, 0)
	c.Env = []string{"SANDBOX_TEST_VAR=hello"}

	res := r.Run(context.Background(), c)
	if res.Output != "hello\n" {
		t.Errorf("Output = %q, want hello", res.Output)
	}
}
