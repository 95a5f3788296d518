package worker

import (
	"context"
	"strings"
	"testing"

	"compile-sandbox/internal/job"
	"compile-sandbox/internal/sandbox"
)

const helloMain = `public class Main { public static void main(String[] a) { System.out.println(1 + 1); } }`

func TestPipeline_Success(t *testing.T) {
	h := newHarness(t, javaExec(ok(""), ok("2\n")))
	h.slots.ready[0] = true
	rec := h.running(t, "job-ok", helloMain)

	var sawSource bool
	inner := h.slots.exec
	h.slots.exec = func(spec sandbox.ExecSpec) sandbox.Result {
		if spec.Args[0] == "javac" {
			sawSource = h.workspace.Has("job-ok", "Main.java")
			if spec.WorkDir != "/app/job-ok" {
				t.Errorf("WorkDir = %q, want /app/job-ok", spec.WorkDir)
			}
		}
		return inner(spec)
	}

	out := h.pipeline.Execute(context.Background(), 0, rec)

	if out.Kind != job.Completed || !out.Success {
		t.Fatalf("outcome = %+v, want successful completion", out)
	}
	got := h.stored(t, "job-ok")
	if got.Status != job.StatusSuccess || got.Output != "2\n" {
		t.Errorf("stored = %s %q, want SUCCESS \"2\\n\"", got.Status, got.Output)
	}
	if !sawSource {
		t.Error("Main.java was not on disk at compile time")
	}
	if h.workspace.Has("job-ok", "Main.java") {
		t.Error("job directory should be removed after the job")
	}
	if h.slots.usageOf(0) != 1 {
		t.Errorf("usage = %d, want 1", h.slots.usageOf(0))
	}
	if h.notifier.count() != 1 {
		t.Errorf("callbacks = %d, want 1", h.notifier.count())
	}
}

func TestPipeline_CompileError(t *testing.T) {
	compileErr := sandbox.Result{Output: "Main.java:1: error: ';' expected\n", ExitCode: 1}
	h := newHarness(t, javaExec(compileErr, ok("never")))
	h.slots.ready[0] = true
	rec := h.running(t, "job-cerr", "public class Main { int x }")

	h.pipeline.Execute(context.Background(), 0, rec)

	got := h.stored(t, "job-cerr")
	if got.Status != job.StatusFail || !strings.Contains(got.Output, "error: ';' expected") {
		t.Errorf("stored = %s %q", got.Status, got.Output)
	}
	if h.slots.execCount() != 1 {
		t.Errorf("execs = %d, want only the compile", h.slots.execCount())
	}
}

func TestPipeline_ForbiddenKeyword(t *testing.T) {
	h := newHarness(t, javaExec(ok(""), ok("")))
	rec := h.running(t, "job-pb", `new ProcessBuilder("sh").start();`)

	out := h.pipeline.Execute(context.Background(), 0, rec)

	if out.Kind != job.SecurityViolation {
		t.Errorf("kind = %s, want security_violation", out.Kind)
	}
	got := h.stored(t, "job-pb")
	if got.Status != job.StatusFail || got.Output != "Forbidden keyword detected: ProcessBuilder" {
		t.Errorf("stored = %s %q", got.Status, got.Output)
	}
	if h.slots.execCount() != 0 {
		t.Error("screened source must never reach the sandbox")
	}
	if h.slots.usageOf(0) != 0 {
		t.Error("a rejected job is not an attempt")
	}
}

func TestPipeline_Timeout(t *testing.T) {
	timedOut := sandbox.Result{Output: sandbox.TimeoutOutput(sandbox.DefaultCommandTimeout), ExitCode: -1, TimedOut: true}
	h := newHarness(t, javaExec(ok(""), timedOut))
	h.slots.ready[0] = true
	rec := h.running(t, "job-loop", `public class Main { public static void main(String[] a) { while (true) {} } }`)

	out := h.pipeline.Execute(context.Background(), 0, rec)

	if out.Kind != job.Completed {
		t.Errorf("a timeout is a completed failure, got %s", out.Kind)
	}
	got := h.stored(t, "job-loop")
	if got.Status != job.StatusFail || !strings.HasPrefix(got.Output, "TIMEOUT: execution time exceeded") {
		t.Errorf("stored = %s %q", got.Status, got.Output)
	}
	if dls, _ := h.queue.DeadLetters(context.Background(), 10); len(dls) != 0 {
		t.Error("timeouts must not be dead-lettered")
	}
}

func TestPipeline_RetryAfterSystemFault(t *testing.T) {
	h := newHarness(t, nil)
	h.slots.ready[0] = true
	calls := 0
	h.slots.exec = func(spec sandbox.ExecSpec) sandbox.Result {
		calls++
		if calls == 1 {
			return launchFault("container not running")
		}
		return javaExec(ok(""), ok("2\n"))(spec)
	}
	rec := h.running(t, "job-retry", helloMain)

	out := h.pipeline.Execute(context.Background(), 0, rec)

	if out.Kind != job.Completed || !out.Success {
		t.Fatalf("outcome = %+v, want success on retry", out)
	}
	if h.slots.creates != 1 {
		t.Errorf("creates = %d, want one recreate before the retry", h.slots.creates)
	}
	// Recreate resets to 0, then the retry counts once.
	if h.slots.usageOf(0) != 1 {
		t.Errorf("usage = %d, want 1", h.slots.usageOf(0))
	}
	if got := h.stored(t, "job-retry"); got.Status != job.StatusSuccess {
		t.Errorf("status = %s", got.Status)
	}
}

func TestPipeline_DeadLetterAfterSecondFault(t *testing.T) {
	h := newHarness(t, func(sandbox.ExecSpec) sandbox.Result { return launchFault("docker: not found") })
	h.slots.ready[0] = true
	rec := h.running(t, "job-dead", helloMain)

	out := h.pipeline.Execute(context.Background(), 0, rec)

	if out.Kind != job.SystemFault {
		t.Fatalf("kind = %s, want system_fault", out.Kind)
	}
	got := h.stored(t, "job-dead")
	if got.Status != job.StatusFail || !strings.HasPrefix(got.Output, "System Error: ") {
		t.Errorf("stored = %s %q", got.Status, got.Output)
	}

	dls, _ := h.queue.DeadLetters(context.Background(), 10)
	if len(dls) != 1 || dls[0].JobID != "job-dead" || dls[0].FailTime.IsZero() {
		t.Fatalf("dead letters = %+v", dls)
	}
	if !strings.Contains(dls[0].Error, "docker: not found") {
		t.Errorf("dead letter error = %q", dls[0].Error)
	}
	if h.slots.execCount() != 2 {
		t.Errorf("execs = %d, want one per attempt", h.slots.execCount())
	}
	if h.notifier.count() != 1 {
		t.Error("dead-lettered jobs still get a callback")
	}
}

func TestPipeline_RotatesAtMaxUsage(t *testing.T) {
	h := newHarness(t, javaExec(ok(""), ok("")))
	h.slots.ready[0] = true
	h.slots.usage[0] = sandbox.DefaultMaxUsage

	h.pipeline.Execute(context.Background(), 0, h.running(t, "job-rot", helloMain))

	if h.slots.creates != 1 {
		t.Errorf("creates = %d, want a rotation", h.slots.creates)
	}
	if h.slots.usageOf(0) != 1 {
		t.Errorf("usage = %d, want 1 after rotation", h.slots.usageOf(0))
	}
}

func TestPipeline_TruncatedOutputFails(t *testing.T) {
	truncated := sandbox.Result{Output: strings.Repeat("x\n", 100) + sandbox.TruncationMarker(100), ExitCode: -1, Truncated: true}
	h := newHarness(t, javaExec(ok(""), truncated))
	h.slots.ready[0] = true

	h.pipeline.Execute(context.Background(), 0, h.running(t, "job-spam", helloMain))

	got := h.stored(t, "job-spam")
	if got.Status != job.StatusFail || !strings.Contains(got.Output, "output truncated") {
		t.Errorf("stored = %s, output tail %q", got.Status, got.Output[len(got.Output)-60:])
	}
}
