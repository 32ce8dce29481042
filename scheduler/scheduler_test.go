package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/runkit/branch"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/persist"
	"github.com/kbukum/runkit/run"
)

const workYAML = `
id: rv-work
startNodeId: work
nodes:
  - id: work
    kind: subroutine_list
    subroutineList:
      items:
        - {id: task, target: tool, complexity: 1}
  - id: done
    kind: end
    end: {wasSuccessful: true}
links:
  - {id: l1, from: work, to: done}
`

const gateYAML = `
id: rv-gate
startNodeId: gate
nodes:
  - id: gate
    kind: decision
    decision: {}
  - id: done
    kind: end
    end: {wasSuccessful: true}
links:
  - id: l1
    from: gate
    to: done
    whens:
      - {id: w1, condition: "approval.granted"}
`

func mustRoutine(t *testing.T, src string) *graph.RoutineVersion {
	t.Helper()
	rv, err := graph.Decode([]byte(src), graph.FormatYAML)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rv
}

// newRun creates a run with n Active branches at the routine's start node.
func newRun(rv *graph.RoutineVersion, n int, mutate ...func(*run.Config)) *run.Run {
	cfg := run.DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	r := run.New("run-1", rv.ID, "user-1", cfg)
	now := time.Now()
	for i := 0; i < n; i++ {
		r.AddBranch(run.NewBranch(fmt.Sprintf("b%02d", i), r.ID, rv.StartNodeID, now))
	}
	return r
}

func env(rv *graph.RoutineVersion, r *run.Run) branch.Env {
	return branch.Env{Routine: rv, Config: r.Config}
}

var fastConfig = Config{BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}

func TestScheduler_CompletesLinearRun(t *testing.T) {
	rv := mustRoutine(t, workYAML)
	r := newRun(rv, 1)
	bus := events.NewRecorder()
	store := persist.NewMemoryStore()
	p := persist.NewPersister(store, persist.Config{}, nil, nil)

	s := New(r, branch.NewMachine(branch.ExecutorFunc(func(context.Context, branch.StepRequest) (branch.StepOutput, error) {
		return branch.StepOutput{Outputs: map[string]any{"ok": true}}, nil
	})), env(rv, r), WithConfig(fastConfig), WithBus(bus), WithProgress(p))

	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != run.StatusCompleted {
		t.Fatalf("expected Completed, got %s", out.Status)
	}
	if out.StepsCount != 1 || out.CompletedComplexity != 1 {
		t.Errorf("expected 1 step / complexity 1, got %d / %d", out.StepsCount, out.CompletedComplexity)
	}
	if !out.Branches[0].WasSuccessful {
		t.Error("expected successful branch")
	}
	snap, err := store.LoadRunSnapshot(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("expected final snapshot: %v", err)
	}
	if !snap.Final || snap.Run.Status != run.StatusCompleted || snap.Seq != s.Seq() {
		t.Errorf("unexpected final snapshot seq=%d final=%v status=%s", snap.Seq, snap.Final, snap.Run.Status)
	}
	statuses := bus.Events(events.TopicRunStatus)
	if len(statuses) != 2 || statuses[1].Data["to"] != string(run.StatusCompleted) {
		t.Errorf("expected InProgress and Completed status events, got %d", len(statuses))
	}
	if len(bus.Events("execution.metrics.*")) == 0 {
		t.Error("expected iteration metrics events")
	}
}

func TestScheduler_ParallelCap(t *testing.T) {
	rv := mustRoutine(t, workYAML)
	r := newRun(rv, 25)
	var inFlight, peak int32
	exec := branch.ExecutorFunc(func(context.Context, branch.StepRequest) (branch.StepOutput, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return branch.StepOutput{}, nil
	})

	s := New(r, branch.NewMachine(exec), env(rv, r), WithConfig(fastConfig))
	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != run.StatusCompleted || out.StepsCount != 25 {
		t.Fatalf("expected 25 steps and Completed, got %d / %s", out.StepsCount, out.Status)
	}
	if got := atomic.LoadInt32(&peak); got > DefaultMaxParallelBranches {
		t.Errorf("expected at most %d concurrent steps, saw %d", DefaultMaxParallelBranches, got)
	}
	if got := atomic.LoadInt32(&peak); got < 2 {
		t.Errorf("expected branches to run concurrently, peak %d", got)
	}
}

func TestScheduler_PausesAtIterationCap(t *testing.T) {
	rv := mustRoutine(t, gateYAML)
	r := newRun(rv, 1)
	s := New(r, branch.NewMachine(branch.ExecutorFunc(nil)), env(rv, r), WithConfig(fastConfig))

	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != run.StatusPaused {
		t.Fatalf("expected Paused, got %s", out.Status)
	}
	if out.Iterations != DefaultMaxIterations {
		t.Errorf("expected exactly %d iterations, got %d", DefaultMaxIterations, out.Iterations)
	}
	if out.Branches[0].Status != run.BranchWaiting {
		t.Errorf("expected waiting branch, got %s", out.Branches[0].Status)
	}

	// Resuming continues from a fresh iteration budget.
	out.Branches[0].LocalContext["approval"] = map[string]any{"granted": true}
	out, err = New(out, branch.NewMachine(branch.ExecutorFunc(nil)), env(rv, out), WithConfig(fastConfig)).Run(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Status != run.StatusCompleted {
		t.Errorf("expected Completed after resume, got %s", out.Status)
	}
	if out.Iterations <= DefaultMaxIterations {
		t.Errorf("expected iteration count to keep growing, got %d", out.Iterations)
	}
}

func failing(ids ...string) branch.ExecutorFunc {
	fail := make(map[string]bool, len(ids))
	for _, id := range ids {
		fail[id] = true
	}
	return func(_ context.Context, req branch.StepRequest) (branch.StepOutput, error) {
		if fail[req.BranchID] {
			return branch.StepOutput{}, errors.Validation("tool rejected input")
		}
		return branch.StepOutput{}, nil
	}
}

func TestScheduler_StopPolicyFailsRun(t *testing.T) {
	rv := mustRoutine(t, workYAML)
	r := newRun(rv, 2)
	bus := events.NewRecorder()
	s := New(r, branch.NewMachine(failing("b01")), env(rv, r), WithConfig(Config{BaseDelay: time.Microsecond, MaxDelay: time.Microsecond, MaxParallelBranches: 1}), WithBus(bus))

	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != run.StatusFailed || out.Failure == nil {
		t.Fatalf("expected Failed with failure, got %s", out.Status)
	}
	if out.Failure.BranchID != "b01" || out.Failure.NodeID != "work" || out.Failure.Code != string(errors.ErrCodeValidation) {
		t.Errorf("unexpected failure %+v", out.Failure)
	}
	if out.Branches[0].Status != run.BranchActive || out.Branches[0].CurrentNodeID != "done" {
		t.Errorf("expected the other branch frozen at done, got %s at %s", out.Branches[0].Status, out.Branches[0].CurrentNodeID)
	}
	last := bus.Events(events.TopicRunStatus)
	if got := last[len(last)-1].Data; got["to"] != string(run.StatusFailed) || got["branch_id"] != "b01" {
		t.Errorf("unexpected status event %v", got)
	}
}

func TestScheduler_ContinuePolicy(t *testing.T) {
	tests := []struct {
		name string
		fail []string
		want run.Status
	}{
		{"one branch fails", []string{"b00"}, run.StatusCompleted},
		{"every branch fails", []string{"b00", "b01"}, run.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rv := mustRoutine(t, workYAML)
			r := newRun(rv, 2, func(c *run.Config) { c.OnBranchFailure = run.OnBranchFailureContinue })
			out, err := New(r, branch.NewMachine(failing(tt.fail...)), env(rv, r), WithConfig(fastConfig)).Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, out.Status)
			}
		})
	}
}

func TestScheduler_ForksJoinTheRun(t *testing.T) {
	rv := mustRoutine(t, `
id: rv-fork
startNodeId: split
nodes:
  - id: split
    kind: decision
    decision: {}
  - id: a
    kind: end
    end: {wasSuccessful: true}
  - id: b
    kind: end
    end: {wasSuccessful: true}
links:
  - {id: to-a, from: split, to: a}
  - {id: to-b, from: split, to: b}
`)
	r := newRun(rv, 1, func(c *run.Config) { c.FanOut = true })
	out, err := New(r, branch.NewMachine(branch.ExecutorFunc(nil)), env(rv, r), WithConfig(fastConfig)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Branches) != 2 || out.Status != run.StatusCompleted {
		t.Fatalf("expected 2 branches and Completed, got %d / %s", len(out.Branches), out.Status)
	}
	if out.Branches[1].ParentID != out.Branches[0].ID {
		t.Errorf("expected fork parent %s, got %s", out.Branches[0].ID, out.Branches[1].ParentID)
	}
}

func TestScheduler_CancelWaitsForInFlight(t *testing.T) {
	rv := mustRoutine(t, workYAML)
	r := newRun(rv, 1)
	started := make(chan struct{})
	var once sync.Once
	exec := branch.ExecutorFunc(func(ctx context.Context, _ branch.StepRequest) (branch.StepOutput, error) {
		once.Do(func() { close(started) })
		select {
		case <-time.After(30 * time.Millisecond):
			return branch.StepOutput{}, nil
		case <-ctx.Done():
			return branch.StepOutput{}, ctx.Err()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	out, err := New(r, branch.NewMachine(exec), env(rv, r), WithConfig(fastConfig)).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != run.StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", out.Status)
	}
	if out.StepsCount != 1 {
		t.Errorf("expected in-flight step to finish within the grace period, got %d steps", out.StepsCount)
	}
}

func TestScheduler_CancelGraceAbortsSlowStep(t *testing.T) {
	rv := mustRoutine(t, workYAML)
	r := newRun(rv, 1)
	started := make(chan struct{})
	var once sync.Once
	exec := branch.ExecutorFunc(func(ctx context.Context, _ branch.StepRequest) (branch.StepOutput, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return branch.StepOutput{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	cfg := fastConfig
	cfg.CancelGrace = 20 * time.Millisecond
	out, err := New(r, branch.NewMachine(exec), env(rv, r), WithConfig(cfg)).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != run.StatusCancelled || out.Branches[0].Status != run.BranchActive {
		t.Errorf("expected Cancelled run with its branch left Active, got %s / %s", out.Status, out.Branches[0].Status)
	}
}

func TestScheduler_MaxRunTimeIsFatal(t *testing.T) {
	rv := mustRoutine(t, gateYAML)
	r := newRun(rv, 1)
	bus := events.NewRecorder()
	cfg := Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRunTime: 20 * time.Millisecond, MaxIterations: 1_000_000}

	out, err := New(r, branch.NewMachine(branch.ExecutorFunc(nil)), env(rv, r), WithConfig(cfg), WithBus(bus)).Run(context.Background())
	if !errors.HasCode(err, errors.ErrCodeRunFatal) {
		t.Fatalf("expected RUN_FATAL, got %v", err)
	}
	if out.Status != run.StatusFailed || out.Failure == nil || out.Failure.Code != string(errors.ErrCodeRunFatal) {
		t.Errorf("expected Failed with RUN_FATAL, got %s %+v", out.Status, out.Failure)
	}
	if len(bus.Events(events.TopicRunFatal)) != 1 {
		t.Error("expected a run.fatal event")
	}
}

func TestScheduler_MaxRunTimeAbortsHungStep(t *testing.T) {
	rv := mustRoutine(t, workYAML)
	r := newRun(rv, 1)
	bus := events.NewRecorder()
	exec := branch.ExecutorFunc(func(ctx context.Context, _ branch.StepRequest) (branch.StepOutput, error) {
		<-ctx.Done()
		return branch.StepOutput{}, ctx.Err()
	})
	cfg := Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRunTime: 50 * time.Millisecond}

	type result struct {
		out *run.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := New(r, branch.NewMachine(exec), env(rv, r), WithConfig(cfg), WithBus(bus)).Run(context.Background())
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if !errors.HasCode(res.err, errors.ErrCodeRunFatal) {
			t.Fatalf("expected RUN_FATAL, got %v", res.err)
		}
		if res.out.Status != run.StatusFailed || res.out.Failure == nil || res.out.Failure.Code != string(errors.ErrCodeRunFatal) {
			t.Errorf("expected Failed with RUN_FATAL, got %s %+v", res.out.Status, res.out.Failure)
		}
		if len(bus.Events(events.TopicRunFatal)) != 1 {
			t.Error("expected a run.fatal event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop at the wall-clock cap")
	}
}

func TestScheduler_RejectsTerminalRun(t *testing.T) {
	rv := mustRoutine(t, workYAML)
	r := newRun(rv, 1)
	r.Status = run.StatusCompleted
	if _, err := New(r, branch.NewMachine(branch.ExecutorFunc(nil)), env(rv, r)).Run(context.Background()); !errors.HasCode(err, errors.ErrCodeConflict) {
		t.Errorf("expected CONFLICT, got %v", err)
	}
}

func TestConfig_NextDelay(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 150 * time.Millisecond}
	cfg.ApplyDefaults()

	d := cfg.nextDelay(cfg.BaseDelay, false)
	if d != 110*time.Millisecond {
		t.Errorf("expected 110ms, got %v", d)
	}
	for i := 0; i < 10; i++ {
		d = cfg.nextDelay(d, false)
	}
	if d != 150*time.Millisecond {
		t.Errorf("expected cap at 150ms, got %v", d)
	}
	if got := cfg.nextDelay(d, true); got != cfg.BaseDelay {
		t.Errorf("expected reset to base, got %v", got)
	}
}
