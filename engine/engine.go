package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/runkit/branch"
	"github.com/kbukum/runkit/cache"
	"github.com/kbukum/runkit/credit"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/logger"
	"github.com/kbukum/runkit/observability"
	"github.com/kbukum/runkit/pathselect"
	"github.com/kbukum/runkit/persist"
	"github.com/kbukum/runkit/run"
	"github.com/kbukum/runkit/scheduler"
	"github.com/kbukum/runkit/validation"
)

// Deps are the collaborators an Engine drives runs with. Definitions,
// Credits, Store and Executor are required.
type Deps struct {
	Definitions *cache.DefinitionCache
	Credits     credit.Source
	Store       persist.SnapshotStore
	Executor    branch.StepExecutor

	Bus     events.Publisher
	Guard   branch.Guard
	Inputs  branch.InputGenerator
	Decider pathselect.DecideFunc
	Logger  *logger.Logger
	Metrics *observability.EngineMetrics
}

// StartRequest describes a new run.
type StartRequest struct {
	RoutineVersionID string `validate:"required"`
	UserID           string `validate:"required"`
	// RunID is generated when empty.
	RunID string
	// Config defaults to run.DefaultConfig when nil.
	Config *run.Config
	// Context seeds the first branch's local context.
	Context map[string]any
}

// ResumeRequest carries manual input keyed by branch id.
type ResumeRequest struct {
	Branches map[string]branch.ResumeInput
}

// Engine starts, resumes and cancels runs. It is safe for concurrent use;
// each run is driven by at most one scheduler at a time.
type Engine struct {
	cfg       Config
	defs      *cache.DefinitionCache
	credits   credit.Source
	store     persist.SnapshotStore
	bus       events.Publisher
	machine   *branch.Machine
	persister *persist.Persister
	notifier  *persist.Notifier
	log       *logger.Logger
	metrics   *observability.EngineMetrics
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	v := validation.New()
	v.Check(deps.Definitions != nil, "definitions", "definition cache is required")
	v.Check(deps.Credits != nil, "credits", "credit source is required")
	v.Check(deps.Store != nil, "store", "snapshot store is required")
	v.Check(deps.Executor != nil, "executor", "step executor is required")
	if err := v.Err(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	log := logger.OrNop(deps.Logger).WithComponent("engine")

	opts := []branch.Option{
		branch.WithLogger(deps.Logger),
		branch.WithMetrics(deps.Metrics),
	}
	if deps.Guard != nil {
		opts = append(opts, branch.WithGuard(deps.Guard))
	}
	if deps.Inputs != nil {
		opts = append(opts, branch.WithInputGenerator(deps.Inputs))
	}
	if deps.Decider != nil {
		opts = append(opts, branch.WithDecider(deps.Decider))
	}

	return &Engine{
		cfg:       cfg,
		defs:      deps.Definitions,
		credits:   deps.Credits,
		store:     deps.Store,
		bus:       deps.Bus,
		machine:   branch.NewMachine(deps.Executor, opts...),
		persister: persist.NewPersister(deps.Store, cfg.Persist, deps.Logger, deps.Metrics),
		notifier:  persist.NewNotifier(deps.Bus, cfg.ProgressInterval, deps.Logger),
		log:       log,
		metrics:   deps.Metrics,
		now:       time.Now,
		newID:     uuid.NewString,
		active:    make(map[string]context.CancelFunc),
	}, nil
}

// StartRun creates a run with one Active branch at the routine's start
// node, stores it and drives it until it is terminal or paused.
func (e *Engine) StartRun(ctx context.Context, req StartRequest) (*run.Run, error) {
	if err := validation.Validate(req); err != nil {
		return nil, err
	}
	rv, err := e.defs.Get(ctx, req.RoutineVersionID)
	if err != nil {
		return nil, err
	}

	cfg := run.DefaultConfig()
	if req.Config != nil {
		cfg = req.Config.Clone()
	}
	remaining, err := e.credits.GetRemainingCredits(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = e.newID()
	}
	runCtx, release, err := e.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	r := run.New(runID, rv.ID, req.UserID, cfg)
	first := run.NewBranch(e.newID(), runID, rv.StartNodeID, e.now())
	for k, v := range run.CopyContext(req.Context) {
		first.LocalContext[k] = v
	}
	r.AddBranch(first)

	ledger := credit.NewLedger(runID, remaining, cfg.TaskMax(remaining), nil)
	r.Credits = ledger.Snapshot()

	const seq = 1
	if err := e.store.SaveRunSnapshot(ctx, runID, r.Snapshot(seq, e.now())); err != nil {
		return nil, err
	}
	e.log.Info("run started", logger.Fields(
		logger.FieldRunID, runID,
		logger.FieldVersionID, rv.ID,
		logger.FieldUserID, req.UserID,
		"allowed_credits", ledger.Allowed().String(),
	))
	return e.drive(runCtx, r, rv, ledger, seq)
}

// ResumeRun applies manual input to the stored run and drives it again.
// Only runs that are not terminal can be resumed.
func (e *Engine) ResumeRun(ctx context.Context, runID string, req ResumeRequest) (*run.Run, error) {
	runCtx, release, err := e.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := e.persister.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	r := snap.Run
	if r.Status.Terminal() {
		return r, errors.Conflict(fmt.Sprintf("run %s is already %s", runID, r.Status))
	}
	rv, err := e.defs.Get(ctx, r.RoutineVersionID)
	if err != nil {
		return nil, err
	}

	for id, in := range req.Branches {
		b, ok := r.Branch(id)
		if !ok {
			return nil, errors.NotFound("branch", id).WithDetail(logger.FieldRunID, runID)
		}
		if err := e.machine.Resume(ctx, b, in); err != nil {
			return nil, err
		}
	}

	ledger, err := e.resumeLedger(ctx, r)
	if err != nil {
		return nil, err
	}
	e.log.Info("run resumed", logger.Fields(
		logger.FieldRunID, runID,
		logger.FieldStatus, string(r.Status),
		"seq", snap.Seq,
		"spent", r.Credits.Spent,
	))
	return e.drive(runCtx, r, rv, ledger, snap.Seq)
}

// CancelRun cancels runID. A run being driven stops after its in-flight
// steps; a stored run that is not driven is marked Cancelled directly.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		e.log.Info("cancelling run", logger.Fields(logger.FieldRunID, runID))
		cancel()
		return nil
	}

	_, release, err := e.claim(ctx, runID)
	if err != nil {
		return err
	}
	defer release()

	snap, err := e.persister.Load(ctx, runID)
	if err != nil {
		return err
	}
	r := snap.Run
	if r.Status.Terminal() {
		return errors.Conflict(fmt.Sprintf("run %s is already %s", runID, r.Status))
	}
	from := r.Status
	if err := r.Transition(run.StatusCancelled, e.now()); err != nil {
		return errors.Conflict(err.Error())
	}
	final := r.Snapshot(snap.Seq+1, e.now())
	e.notifier.Final(ctx, final)
	if err := e.persister.FinalizeRun(ctx, final); err != nil {
		return err
	}
	e.metrics.RunTransition(ctx, string(from), string(run.StatusCancelled))
	events.Publish(ctx, e.bus, events.TopicRunStatus, map[string]any{
		"run_id": runID,
		"from":   string(from),
		"to":     string(run.StatusCancelled),
	})
	e.log.Info("stored run cancelled", logger.Fields(logger.FieldRunID, runID, "from", string(from)))
	return nil
}

// GetRun returns the latest stored state of runID.
func (e *Engine) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	snap, err := e.persister.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return snap.Run, nil
}

// Active returns the number of runs being driven.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Close cancels every driven run and flushes pending snapshot writes. New
// runs are refused afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()

	e.notifier.Close()
	return e.persister.Close(ctx)
}

// claim registers runID as driven and returns its cancellable context.
func (e *Engine) claim(ctx context.Context, runID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, errors.ServiceUnavailable("engine")
	}
	if _, busy := e.active[runID]; busy {
		return nil, nil, errors.Conflict(fmt.Sprintf("run %s is already being driven", runID))
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active[runID] = cancel
	release := func() {
		cancel()
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}
	return runCtx, release, nil
}

// resumeLedger rebuilds a ledger that carries the run's previous spend
// against the user's current balance.
func (e *Engine) resumeLedger(ctx context.Context, r *run.Run) (*credit.Ledger, error) {
	spent := new(big.Int)
	if r.Credits.Spent != "" {
		n, err := credit.Normalize(r.Credits.Spent)
		if err != nil {
			return nil, errors.DatabaseError(err).WithDetail(logger.FieldRunID, r.ID)
		}
		spent = n
	}
	remaining, err := e.credits.GetRemainingCredits(ctx, r.UserID)
	if err != nil {
		return nil, err
	}
	// Without a task cap the run may spend what it spent plus the balance.
	taskMax := r.Config.TaskMax(new(big.Int).Add(remaining, spent))
	return credit.NewLedger(r.ID, remaining, taskMax, spent), nil
}

func (e *Engine) drive(ctx context.Context, r *run.Run, rv *graph.RoutineVersion, ledger *credit.Ledger, seq uint64) (*run.Run, error) {
	env := branch.Env{Routine: rv, Ledger: ledger, Config: r.Config, Now: e.now}
	s := scheduler.New(r, e.machine, env,
		scheduler.WithConfig(e.cfg.Scheduler),
		scheduler.WithProgress(e.persister),
		scheduler.WithNotifier(e.notifier),
		scheduler.WithBus(e.bus),
		scheduler.WithLogger(e.log),
		scheduler.WithMetrics(e.metrics),
		scheduler.WithSeq(seq),
	)
	out, err := s.Run(ctx)
	if err != nil {
		e.log.WithError(err).Warn("run ended with error", logger.Fields(logger.FieldRunID, r.ID, logger.FieldStatus, string(out.Status)))
		return out, err
	}
	e.log.Info("run returned", logger.Fields(
		logger.FieldRunID, r.ID,
		logger.FieldStatus, string(out.Status),
		"spent", out.Credits.Spent,
	))
	return out, nil
}
