package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kbukum/runkit/branch"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/logger"
	"github.com/kbukum/runkit/observability"
	"github.com/kbukum/runkit/pipeline"
	"github.com/kbukum/runkit/resilience"
	"github.com/kbukum/runkit/run"
)

// Progress receives run snapshots. *persist.Persister satisfies it.
type Progress interface {
	Update(s run.Snapshot)
	FinalizeRun(ctx context.Context, s run.Snapshot) error
}

// Notifier receives run snapshots for clients. *persist.Notifier satisfies it.
type Notifier interface {
	Notify(s run.Snapshot)
	Final(ctx context.Context, s run.Snapshot)
}

// Scheduler drives one run. It is not safe for concurrent use; a run has at
// most one scheduler at a time.
type Scheduler struct {
	run      *run.Run
	machine  *branch.Machine
	env      branch.Env
	cfg      Config
	progress Progress
	notifier Notifier
	bus      events.Publisher
	log      *logger.Logger
	metrics  *observability.EngineMetrics
	bulkhead *resilience.Bulkhead
	seq      uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig sets the scheduler bounds.
func WithConfig(cfg Config) Option { return func(s *Scheduler) { s.cfg = cfg } }

// WithProgress sets where snapshots are persisted.
func WithProgress(p Progress) Option { return func(s *Scheduler) { s.progress = p } }

// WithNotifier sets where client progress is sent.
func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithBus sets the event publisher.
func WithBus(p events.Publisher) Option { return func(s *Scheduler) { s.bus = p } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(s *Scheduler) { s.log = l } }

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.EngineMetrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithSeq sets the last snapshot sequence number already used for the run.
func WithSeq(seq uint64) Option { return func(s *Scheduler) { s.seq = seq } }

// New creates a scheduler for r.
func New(r *run.Run, machine *branch.Machine, env branch.Env, opts ...Option) *Scheduler {
	s := &Scheduler{run: r, machine: machine, env: env}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.ApplyDefaults()
	if s.env.Now == nil {
		s.env.Now = time.Now
	}
	s.log = logger.OrNop(s.log).WithComponent("scheduler").WithFields(logger.Fields(logger.FieldRunID, r.ID))
	bh := resilience.DefaultBulkheadConfig("branches:" + r.ID)
	bh.MaxConcurrent = s.cfg.MaxParallelBranches
	s.bulkhead = resilience.NewBulkhead(bh)
	return s
}

// Seq returns the last snapshot sequence number used.
func (s *Scheduler) Seq() uint64 { return s.seq }

// PeakParallel returns the highest number of branches stepped at once.
func (s *Scheduler) PeakParallel() int { return s.bulkhead.Peak() }

// stepped is the outcome of stepping one branch.
type stepped struct {
	index  int
	branch *run.Branch
	from   run.BranchStatus
	res    branch.StepResult
	err    error
}

// Run drives the run until it is terminal, paused or cancelled. The returned
// run is the same value the scheduler was created with. The error is
// non-nil for RUN_FATAL, for a failed final write, and for a run that cannot
// be driven.
func (s *Scheduler) Run(ctx context.Context) (*run.Run, error) {
	r := s.run
	if r.Status.Terminal() {
		return r, errors.Conflict(fmt.Sprintf("run %s is already %s", r.ID, r.Status))
	}
	if err := s.transition(ctx, run.StatusInProgress); err != nil {
		return r, err
	}

	op := observability.StartOperation(ctx, observability.SpanRunExecute,
		attribute.String(observability.AttrRunID, r.ID))
	out, err := s.loop(op.Context())
	op.End(err)
	return out, err
}

func (s *Scheduler) loop(ctx context.Context) (*run.Run, error) {
	r := s.run
	start := time.Now()
	elapsedBefore := r.TimeElapsed

	// Steps run on a context that survives ctx for the grace period so
	// in-flight executions can finish.
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer execCancel()
	stopGrace := context.AfterFunc(ctx, func() {
		time.AfterFunc(s.cfg.CancelGrace, execCancel)
	})
	defer stopGrace()

	// A step still running at the wall-clock cap is aborted.
	execCtx, stopDeadline := context.WithDeadline(execCtx, start.Add(s.cfg.MaxRunTime-elapsedBefore))
	defer stopDeadline()

	delay := s.cfg.BaseDelay
	for iteration := 0; ; iteration++ {
		r.TimeElapsed = elapsedBefore + time.Since(start)

		switch {
		case ctx.Err() != nil:
			s.log.Info("run cancelled", logger.Fields(logger.FieldIteration, iteration))
			return r, s.finish(ctx, run.StatusCancelled, nil)
		case r.TimeElapsed >= s.cfg.MaxRunTime:
			return r, s.fatal(ctx, fmt.Sprintf("run exceeded maximum run time of %s", s.cfg.MaxRunTime))
		case iteration >= s.cfg.MaxIterations:
			s.log.Info("iteration cap reached; pausing run", logger.Fields(logger.FieldIteration, iteration))
			return r, s.finish(ctx, run.StatusPaused, nil)
		}

		r.Iterations++
		for _, b := range r.BranchesWith(run.BranchWaiting) {
			if s.machine.Wake(ctx, b, s.env) {
				s.branchEvent(ctx, b, run.BranchWaiting)
			}
		}

		active := r.BranchesWith(run.BranchActive)
		if len(active) == 0 && r.AllTerminal() {
			return r, s.complete(ctx)
		}

		s.bulkhead.ResetPeak()
		failure, err := s.dispatch(ctx, execCtx, active)
		if err != nil {
			return r, s.fatal(ctx, err.Error())
		}
		if execCtx.Err() == context.DeadlineExceeded {
			r.TimeElapsed = elapsedBefore + time.Since(start)
			return r, s.fatal(ctx, fmt.Sprintf("run exceeded maximum run time of %s", s.cfg.MaxRunTime))
		}
		s.syncCredits()

		counts := r.Counts()
		s.recordIteration(ctx, r.Iterations, counts, len(active), delay)
		if failure != nil && r.Config.OnBranchFailure != run.OnBranchFailureContinue {
			return r, s.finish(ctx, run.StatusFailed, failure)
		}
		if r.AllTerminal() {
			return r, s.complete(ctx)
		}
		s.progressUpdate()

		delay = s.cfg.nextDelay(delay, counts[run.BranchActive] > 0)
		sleep(ctx, delay)
	}
}

// dispatch steps active branches in sub-batches of at most
// MaxParallelBranches and applies their results in branch order. With the
// Stop policy no sub-batch starts after a failure; the first failure is
// returned.
func (s *Scheduler) dispatch(ctx, execCtx context.Context, active []*run.Branch) (*run.Failure, error) {
	r := s.run
	var first *run.Failure
	for lo := 0; lo < len(active); lo += s.cfg.MaxParallelBranches {
		hi := min(lo+s.cfg.MaxParallelBranches, len(active))
		batch := make([]int, 0, hi-lo)
		for i := lo; i < hi; i++ {
			batch = append(batch, i)
		}

		// Every started step is collected, even after cancellation, so no
		// branch is still being mutated once results are applied.
		results, err := pipeline.Collect(context.WithoutCancel(ctx), pipeline.Parallel(pipeline.FromSlice(batch), s.cfg.MaxParallelBranches,
			func(_ context.Context, i int) (stepped, error) {
				b := active[i]
				out := stepped{index: i, branch: b, from: b.Status}
				out.err = s.bulkhead.Execute(execCtx, func() error {
					var stepErr error
					out.res, stepErr = s.machine.Step(execCtx, b, s.env)
					return stepErr
				})
				return out, nil
			}))
		if err != nil {
			return first, err
		}
		sort.Slice(results, func(a, b int) bool { return results[a].index < results[b].index })

		for _, st := range results {
			if f := s.apply(ctx, st); f != nil && first == nil {
				first = f
			}
		}
		if first != nil && r.Config.OnBranchFailure != run.OnBranchFailureContinue {
			return first, nil
		}
		if ctx.Err() != nil {
			return first, nil
		}
	}
	return first, nil
}

func (s *Scheduler) apply(ctx context.Context, st stepped) *run.Failure {
	r := s.run
	b := st.branch
	if st.err != nil {
		s.log.WithError(st.err).Error("branch step rejected", logger.Fields(logger.FieldBranchID, b.ID))
		return nil
	}
	r.StepsCount += st.res.Executed
	r.CompletedComplexity += st.res.Complexity
	for _, child := range st.res.Forks {
		r.AddBranch(child)
		s.branchEvent(ctx, child, "")
	}
	if b.Status != st.from {
		s.branchEvent(ctx, b, st.from)
	}
	if st.res.Failure == nil {
		return nil
	}
	code := b.ErrorCode
	if code == "" {
		code = string(st.res.Failure.Code)
	}
	return &run.Failure{
		Code:     code,
		Message:  st.res.Failure.Error(),
		BranchID: b.ID,
		NodeID:   b.CurrentNodeID,
	}
}

// complete ends a run whose branches are all terminal. Under Continue it is
// Failed only when every branch failed.
func (s *Scheduler) complete(ctx context.Context) error {
	r := s.run
	failed := r.BranchesWith(run.BranchFailed)
	if len(r.Branches) > 0 && len(failed) == len(r.Branches) {
		b := failed[len(failed)-1]
		return s.finish(ctx, run.StatusFailed, &run.Failure{
			Code:     b.ErrorCode,
			Message:  fmt.Sprintf("all branches failed; last: %s", b.Error),
			BranchID: b.ID,
			NodeID:   b.CurrentNodeID,
		})
	}
	return s.finish(ctx, run.StatusCompleted, nil)
}

// fatal fails the run with RUN_FATAL and publishes it.
func (s *Scheduler) fatal(ctx context.Context, reason string) error {
	r := s.run
	appErr := errors.RunFatal(r.ID, reason)
	s.log.WithError(appErr).Error("run fatal")
	events.Publish(ctx, s.bus, events.TopicRunFatal, map[string]any{
		"run_id":  r.ID,
		"code":    string(appErr.Code),
		"message": reason,
	})
	if err := s.finish(ctx, run.StatusFailed, &run.Failure{Code: string(appErr.Code), Message: reason}); err != nil {
		return err
	}
	return appErr
}

// finish moves the run to status and writes the final snapshot.
func (s *Scheduler) finish(ctx context.Context, status run.Status, failure *run.Failure) error {
	r := s.run
	s.syncCredits()
	var err error
	if failure != nil {
		from := r.Status
		err = r.Fail(*failure, s.env.Now())
		if err == nil {
			s.runEvent(ctx, from, run.StatusFailed)
		}
	} else {
		err = s.transition(ctx, status)
	}
	if err != nil {
		return err
	}

	s.seq++
	snap := r.Snapshot(s.seq, s.env.Now())
	flushCtx := context.WithoutCancel(ctx)
	if s.notifier != nil {
		s.notifier.Final(flushCtx, snap)
	}
	if s.progress != nil {
		if err := s.progress.FinalizeRun(flushCtx, snap); err != nil {
			s.log.WithError(err).Error("final run snapshot not persisted")
			return err
		}
	}
	s.log.Info("run finished", logger.Fields(
		logger.FieldStatus, string(r.Status),
		"iterations", r.Iterations,
		"steps", r.StepsCount,
	))
	return nil
}

func (s *Scheduler) transition(ctx context.Context, to run.Status) error {
	r := s.run
	from := r.Status
	if from == to {
		return nil
	}
	if err := r.Transition(to, s.env.Now()); err != nil {
		return errors.Conflict(err.Error())
	}
	s.runEvent(ctx, from, to)
	return nil
}

func (s *Scheduler) runEvent(ctx context.Context, from, to run.Status) {
	s.metrics.RunTransition(ctx, string(from), string(to))
	data := map[string]any{
		"run_id": s.run.ID,
		"from":   string(from),
		"to":     string(to),
	}
	if f := s.run.Failure; f != nil && to == run.StatusFailed {
		data["error_code"] = f.Code
		data["branch_id"] = f.BranchID
		data["node_id"] = string(f.NodeID)
	}
	events.Publish(ctx, s.bus, events.TopicRunStatus, data)
}

func (s *Scheduler) branchEvent(ctx context.Context, b *run.Branch, from run.BranchStatus) {
	data := map[string]any{
		"run_id":    s.run.ID,
		"branch_id": b.ID,
		"node_id":   string(b.CurrentNodeID),
		"from":      string(from),
		"to":        string(b.Status),
	}
	if b.WaitKind != "" {
		data["wait_kind"] = string(b.WaitKind)
	}
	if b.ParentID != "" {
		data["parent_id"] = b.ParentID
	}
	events.Publish(ctx, s.bus, events.TopicBranchStatus, data)
}

func (s *Scheduler) recordIteration(ctx context.Context, iteration int, counts map[run.BranchStatus]int, dispatched int, delay time.Duration) {
	peak := s.bulkhead.Peak()
	s.metrics.Iteration(ctx, counts[run.BranchActive], counts[run.BranchWaiting], peak, delay)
	events.Publish(ctx, s.bus, events.TopicIterationMetrics, map[string]any{
		"run_id":     s.run.ID,
		"iteration":  iteration,
		"active":     counts[run.BranchActive],
		"waiting":    counts[run.BranchWaiting],
		"completed":  counts[run.BranchCompleted],
		"failed":     counts[run.BranchFailed],
		"dispatched": dispatched,
		"peak":       peak,
		"delay_ms":   delay.Milliseconds(),
	})
}

func (s *Scheduler) progressUpdate() {
	s.seq++
	snap := s.run.Snapshot(s.seq, s.env.Now())
	if s.progress != nil {
		s.progress.Update(snap)
	}
	if s.notifier != nil {
		s.notifier.Notify(snap)
	}
}

func (s *Scheduler) syncCredits() {
	if s.env.Ledger != nil {
		s.run.Credits = s.env.Ledger.Snapshot()
	}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
