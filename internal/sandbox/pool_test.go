package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeEngine struct {
	mu        sync.Mutex
	created   []string
	removed   []string
	execs     []string
	createErr error
	result    Result
	kills     bool
}

func (f *fakeEngine) Name() string                                       { return "fake" }
func (f *fakeEngine) Ping(context.Context) error                         { return nil }
func (f *fakeEngine) KillsOnTimeout() bool                               { return f.kills }
func (f *fakeEngine) Close() error                                       { return nil }
func (f *fakeEngine) RemoveOrphans(context.Context, string) (int, error) { return 0, nil }

func (f *fakeEngine) Create(_ context.Context, spec ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, spec.Name)
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeEngine) Exec(_ context.Context, name string, _ ExecSpec) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, name)
	return f.result
}

func newTestPool(engine Engine, workers, maxUsage int) *Pool {
	return NewPool(engine, PoolConfig{
		Workers:      workers,
		Prefix:       "compile-executor-",
		Image:        "eclipse-temurin:17-jdk",
		WorkspaceDir: "/srv/ws",
		MaxUsage:     maxUsage,
	})
}

func TestPool_CreateOrResetResetsUsage(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPool(engine, 2, 3)
	ctx := context.Background()

	if !p.ShouldRotate(1) {
		t.Error("a slot that was never created should rotate")
	}
	if err := p.CreateOrReset(ctx, 1); err != nil {
		t.Fatalf("CreateOrReset() = %v", err)
	}
	if p.ShouldRotate(1) {
		t.Error("fresh slot should not rotate")
	}

	for i := 1; i <= 3; i++ {
		if got := p.MarkUsed(1); got != i {
			t.Errorf("MarkUsed() = %d, want %d", got, i)
		}
	}
	if !p.ShouldRotate(1) {
		t.Error("slot at max usage should rotate")
	}

	if err := p.CreateOrReset(ctx, 1); err != nil {
		t.Fatalf("CreateOrReset() = %v", err)
	}
	if p.Usage(1) != 0 {
		t.Errorf("Usage() = %d after recreate, want 0", p.Usage(1))
	}
	if len(engine.removed) != 2 || engine.removed[0] != "compile-executor-1" {
		t.Errorf("removed = %v, want the old container force-removed first", engine.removed)
	}
	if p.Usage(0) != 0 {
		t.Error("other slots must be untouched")
	}
}

func TestPool_CreateFailure(t *testing.T) {
	engine := &fakeEngine{createErr: errors.New("image not found")}
	p := newTestPool(engine, 1, 100)
	p.MarkUsed(0)

	err := p.CreateOrReset(context.Background(), 0)
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("CreateOrReset() = %v, want ErrSlotUnavailable", err)
	}
	if !IsSystemFault(err) {
		t.Error("slot creation failure should be a system fault")
	}
	if p.Usage(0) != 1 {
		t.Errorf("Usage() = %d, failed creation must not reset the counter", p.Usage(0))
	}
	if !p.ShouldRotate(0) {
		t.Error("slot should still need rotation after a failed create")
	}
}

func TestPool_ExecRecreatesAfterHostSideKill(t *testing.T) {
	tests := []struct {
		name          string
		result        Result
		kills         bool
		recreateErr   error
		wantRecreated bool
		wantRotate    bool
	}{
		{"normal run", Result{Success: true}, false, nil, false, false},
		{"timeout without in-container kill", Result{TimedOut: true}, false, nil, true, false},
		{"truncation without in-container kill", Result{Truncated: true}, false, nil, true, false},
		{"timeout with in-container kill", Result{TimedOut: true}, true, nil, false, false},
		{"recreate fails", Result{TimedOut: true}, false, errors.New("daemon gone"), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{result: tt.result, kills: tt.kills}
			p := newTestPool(engine, 1, 100)
			if err := p.CreateOrReset(context.Background(), 0); err != nil {
				t.Fatal(err)
			}
			engine.createErr = tt.recreateErr
			engine.removed = nil

			p.Exec(context.Background(), 0, ExecSpec{Args: []string{"java", "Main"}})

			if got := len(engine.removed) == 1; got != tt.wantRecreated {
				t.Errorf("container removed after exec = %v, want %v", got, tt.wantRecreated)
			}
			if got := p.ShouldRotate(0); got != tt.wantRotate {
				t.Errorf("ShouldRotate() = %v, want %v", got, tt.wantRotate)
			}
			if engine.execs[0] != "compile-executor-0" {
				t.Errorf("exec target = %q", engine.execs[0])
			}
		})
	}
}

func TestPool_RecreateAfterKillSurvivesCanceledContext(t *testing.T) {
	engine := &fakeEngine{result: Result{TimedOut: true}}
	p := newTestPool(engine, 1, 100)
	if err := p.CreateOrReset(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Exec(ctx, 0, ExecSpec{Args: []string{"java", "Main"}})

	if len(engine.created) != 2 {
		t.Errorf("created = %v, want a fresh container even after shutdown began", engine.created)
	}
	if p.ShouldRotate(0) {
		t.Error("slot should be ready after the recreate")
	}
}

func TestPool_UnknownWorker(t *testing.T) {
	p := newTestPool(&fakeEngine{}, 1, 100)
	if err := p.CreateOrReset(context.Background(), 5); !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("CreateOrReset(5) = %v, want ErrSlotUnavailable", err)
	}
	res := p.Exec(context.Background(), -1, ExecSpec{})
	if !errors.Is(res.Err, ErrSlotUnavailable) {
		t.Errorf("Exec(-1).Err = %v, want ErrSlotUnavailable", res.Err)
	}
}

func TestPool_SlotsAndTeardown(t *testing.T) {
	engine := &fakeEngine{}
	p := newTestPool(engine, 3, 100)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.CreateOrReset(ctx, i); err != nil {
			t.Fatal(err)
		}
	}
	p.MarkUsed(2)

	slots := p.Slots()
	if len(slots) != 3 {
		t.Fatalf("Slots() returned %d entries", len(slots))
	}
	if slots[2].Container != "compile-executor-2" || slots[2].Usage != 1 || !slots[2].Ready {
		t.Errorf("slot 2 = %+v", slots[2])
	}
	if slots[0].Recreations != 1 {
		t.Errorf("Recreations = %d, want 1", slots[0].Recreations)
	}

	engine.removed = nil
	if err := p.Teardown(ctx); err != nil {
		t.Fatalf("Teardown() = %v", err)
	}
	if len(engine.removed) != 3 {
		t.Errorf("Teardown removed %d containers, want 3", len(engine.removed))
	}
	for _, s := range p.Slots() {
		if s.Ready {
			t.Errorf("slot %d still ready after teardown", s.WorkerID)
		}
	}
}

func TestJobDir(t *testing.T) {
	if got := JobDir("job-42"); got != "/app/job-42" {
		t.Errorf("JobDir() = %q, want /app/job-42", got)
	}
}
