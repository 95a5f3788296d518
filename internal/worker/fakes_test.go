package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"compile-sandbox/internal/job"
	"compile-sandbox/internal/queue"
	"compile-sandbox/internal/sandbox"
	"compile-sandbox/internal/store"
)

// fakeSlots is an in-memory pool whose Exec is scripted per test.
type fakeSlots struct {
	mu        sync.Mutex
	size      int
	usage     map[int]int
	ready     map[int]bool
	creates   int
	createErr error
	execs     [][]string
	exec      func(spec sandbox.ExecSpec) sandbox.Result
	tornDown  bool
}

func newFakeSlots(size int, exec func(spec sandbox.ExecSpec) sandbox.Result) *fakeSlots {
	return &fakeSlots{size: size, usage: map[int]int{}, ready: map[int]bool{}, exec: exec}
}

func (f *fakeSlots) Size() int { return f.size }

func (f *fakeSlots) CreateOrReset(_ context.Context, workerID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return fmt.Errorf("%w: %w", sandbox.ErrSlotUnavailable, f.createErr)
	}
	f.creates++
	f.usage[workerID] = 0
	f.ready[workerID] = true
	return nil
}

func (f *fakeSlots) ShouldRotate(workerID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.ready[workerID] || f.usage[workerID] >= sandbox.DefaultMaxUsage
}

func (f *fakeSlots) MarkUsed(workerID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[workerID]++
	return f.usage[workerID]
}

func (f *fakeSlots) Exec(_ context.Context, _ int, spec sandbox.ExecSpec) sandbox.Result {
	f.mu.Lock()
	f.execs = append(f.execs, spec.Args)
	exec := f.exec
	f.mu.Unlock()
	return exec(spec)
}

func (f *fakeSlots) Teardown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = true
	return nil
}

func (f *fakeSlots) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

func (f *fakeSlots) usageOf(workerID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[workerID]
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []*job.Record
}

func (n *fakeNotifier) Deliver(_ context.Context, rec *job.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, rec)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

// javaExec scripts compile and run results by the command's binary.
func javaExec(compile, run sandbox.Result) func(sandbox.ExecSpec) sandbox.Result {
	return func(spec sandbox.ExecSpec) sandbox.Result {
		if spec.Args[0] == "javac" {
			return compile
		}
		return run
	}
}

func ok(output string) sandbox.Result {
	return sandbox.Result{Success: true, Output: output}
}

func launchFault(msg string) sandbox.Result {
	err := fmt.Errorf("%w: %s", sandbox.ErrLaunch, msg)
	return sandbox.Result{Output: "System Error: " + err.Error(), ExitCode: -1, Err: err}
}

type harness struct {
	slots     *fakeSlots
	store     *store.MemoryStore
	queue     *queue.MemoryQueue
	notifier  *fakeNotifier
	workspace *sandbox.Workspace
	pipeline  *Pipeline
}

func newHarness(t *testing.T, exec func(sandbox.ExecSpec) sandbox.Result) *harness {
	t.Helper()
	ws, err := sandbox.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		slots:     newFakeSlots(1, exec),
		store:     store.NewMemoryStore(store.DefaultTTLs()),
		queue:     queue.NewMemoryQueue(time.Minute),
		notifier:  &fakeNotifier{},
		workspace: ws,
	}
	h.pipeline = NewPipeline(PipelineDeps{
		Slots:     h.slots,
		Store:     h.store,
		DLQ:       h.queue,
		Notifier:  h.notifier,
		Workspace: ws,
	}, PipelineConfig{})
	return h
}

// running stores a RUNNING record the way the dispatcher hands it over.
func (h *harness) running(t *testing.T, id, code string) *job.Record {
	t.Helper()
	rec := job.New(id, code, "http://cb.example/hook")
	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Put(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func (h *harness) stored(t *testing.T, id string) *job.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) = %v", id, err)
	}
	return rec
}
