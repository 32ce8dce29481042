package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/kbukum/runkit/branch"
	"github.com/kbukum/runkit/cache"
	"github.com/kbukum/runkit/credit"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/persist"
	"github.com/kbukum/runkit/run"
	"github.com/kbukum/runkit/scheduler"
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

type fixture struct {
	engine *Engine
	store  *persist.MemoryStore
	bus    *events.Recorder
}

func newFixture(t *testing.T, exec branch.StepExecutor) *fixture {
	t.Helper()
	var versions []*graph.RoutineVersion
	for _, src := range []string{workYAML, gateYAML} {
		rv, err := graph.Decode([]byte(src), graph.FormatYAML)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		versions = append(versions, rv)
	}
	if exec == nil {
		exec = branch.ExecutorFunc(func(context.Context, branch.StepRequest) (branch.StepOutput, error) {
			return branch.StepOutput{Outputs: map[string]any{"ok": true}, Cost: big.NewInt(5)}, nil
		})
	}

	f := &fixture{store: persist.NewMemoryStore(), bus: events.NewRecorder()}
	e, err := New(Config{
		Scheduler: scheduler.Config{BaseDelay: time.Microsecond, MaxDelay: time.Microsecond, MaxIterations: 5},
		Persist:   persist.Config{Debounce: time.Millisecond},
	}, Deps{
		Definitions: cache.NewDefinitionCache(graph.NewMemoryStore(versions...), cache.DefinitionConfig{}),
		Credits:     &credit.StaticSource{Default: big.NewInt(100)},
		Store:       f.store,
		Executor:    exec,
		Bus:         f.bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	f.engine = e
	return f
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	if !errors.HasCode(err, errors.ErrCodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestStartRun_Completes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.StartRun(ctx, StartRequest{RoutineVersionID: "rv-work", UserID: "user-1", RunID: "run-1"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if out.Status != run.StatusCompleted {
		t.Fatalf("expected Completed, got %s", out.Status)
	}
	if out.Credits.Spent != "5" {
		t.Errorf("expected 5 credits spent, got %q", out.Credits.Spent)
	}

	snap, err := f.store.LoadRunSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !snap.Final || snap.Run.Status != run.StatusCompleted {
		t.Errorf("expected final Completed snapshot, got final=%v status=%s", snap.Final, snap.Run.Status)
	}
	if f.engine.Active() != 0 {
		t.Errorf("expected no active runs, got %d", f.engine.Active())
	}
}

func TestStartRun_Errors(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		req  StartRequest
		code errors.ErrorCode
	}{
		{"missing user", StartRequest{RoutineVersionID: "rv-work"}, errors.ErrCodeValidation},
		{"unknown routine", StartRequest{RoutineVersionID: "rv-missing", UserID: "u"}, errors.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartRun(context.Background(), tt.req)
			if !errors.HasCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestResumeRun_AppliesContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.StartRun(ctx, StartRequest{RoutineVersionID: "rv-gate", UserID: "user-1", RunID: "run-gate"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if out.Status != run.StatusPaused {
		t.Fatalf("expected Paused at the iteration cap, got %s", out.Status)
	}
	branchID := out.Branches[0].ID

	_, err = f.engine.ResumeRun(ctx, "run-gate", ResumeRequest{Branches: map[string]branch.ResumeInput{
		"no-such-branch": {},
	}})
	if !errors.HasCode(err, errors.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown branch, got %v", err)
	}

	out, err = f.engine.ResumeRun(ctx, "run-gate", ResumeRequest{Branches: map[string]branch.ResumeInput{
		branchID: {Context: map[string]any{"approval": map[string]any{"granted": true}}},
	}})
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if out.Status != run.StatusCompleted {
		t.Fatalf("expected Completed after resume, got %s", out.Status)
	}

	_, err = f.engine.ResumeRun(ctx, "run-gate", ResumeRequest{})
	if !errors.HasCode(err, errors.ErrCodeConflict) {
		t.Errorf("expected CONFLICT resuming a terminal run, got %v", err)
	}
}

func TestCancelRun_StoredRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.StartRun(ctx, StartRequest{RoutineVersionID: "rv-gate", UserID: "user-1", RunID: "run-c"}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := f.engine.CancelRun(ctx, "run-c"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	got, err := f.engine.GetRun(ctx, "run-c")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.StatusCancelled {
		t.Errorf("expected Cancelled, got %s", got.Status)
	}
	if err := f.engine.CancelRun(ctx, "run-c"); !errors.HasCode(err, errors.ErrCodeConflict) {
		t.Errorf("expected CONFLICT cancelling twice, got %v", err)
	}
	if err := f.engine.CancelRun(ctx, "missing"); !errors.HasCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestCancelRun_DrivenRun(t *testing.T) {
	started := make(chan struct{})
	exec := branch.ExecutorFunc(func(context.Context, branch.StepRequest) (branch.StepOutput, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return branch.StepOutput{}, nil
	})
	f := newFixture(t, exec)

	type result struct {
		r   *run.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.engine.StartRun(context.Background(), StartRequest{RoutineVersionID: "rv-work", UserID: "u", RunID: "run-d"})
		done <- result{r, err}
	}()

	<-started
	if err := f.engine.CancelRun(context.Background(), "run-d"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("StartRun: %v", res.err)
		}
		if res.r.Status != run.StatusCancelled {
			t.Errorf("expected Cancelled, got %s", res.r.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestResumeLedger_CarriesSpend(t *testing.T) {
	f := newFixture(t, nil)
	r := run.New("run-l", "rv-work", "user-1", run.DefaultConfig())
	r.Config.TaskMaxCredits = "50"
	r.Credits.Spent = "30"

	ledger, err := f.engine.resumeLedger(context.Background(), r)
	if err != nil {
		t.Fatalf("resumeLedger: %v", err)
	}
	if ledger.Allowed().Cmp(big.NewInt(20)) != 0 {
		t.Errorf("expected 20 allowed, got %s", ledger.Allowed())
	}
	if ledger.Spent().Cmp(big.NewInt(30)) != 0 {
		t.Errorf("expected prior spend 30, got %s", ledger.Spent())
	}
}

func TestClose_RefusesNewRuns(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.engine.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := f.engine.StartRun(context.Background(), StartRequest{RoutineVersionID: "rv-work", UserID: "u"})
	if !errors.HasCode(err, errors.ErrCodeServiceUnavailable) {
		t.Errorf("expected SERVICE_UNAVAILABLE, got %v", err)
	}
}

func TestComponent_Lifecycle(t *testing.T) {
	c := NewComponent(Config{}, func(context.Context) (Deps, error) {
		return Deps{
			Definitions: cache.NewDefinitionCache(graph.NewMemoryStore(), cache.DefinitionConfig{}),
			Credits:     &credit.StaticSource{},
			Store:       persist.NewMemoryStore(),
			Executor:    branch.ExecutorFunc(nil),
		}, nil
	}, nil)

	if h := c.Health(context.Background()); h.Status != "unhealthy" {
		t.Errorf("expected unhealthy before start, got %s", h.Status)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Engine() == nil {
		t.Fatal("expected engine after start")
	}
	if h := c.Health(context.Background()); h.Status != "healthy" {
		t.Errorf("expected healthy, got %s: %s", h.Status, h.Message)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h := c.Health(context.Background()); h.Status != "unhealthy" {
		t.Errorf("expected unhealthy after stop, got %s", h.Status)
	}
}
