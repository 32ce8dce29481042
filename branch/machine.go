package branch

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kbukum/runkit/cache"
	"github.com/kbukum/runkit/condition"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/logger"
	"github.com/kbukum/runkit/observability"
	"github.com/kbukum/runkit/pathselect"
	"github.com/kbukum/runkit/run"
)

// Machine advances branches. It holds no per-run state and is safe for
// concurrent use across branches.
type Machine struct {
	executor  StepExecutor
	inputs    InputGenerator
	guard     Guard
	evaluator *condition.Evaluator
	decide    pathselect.DecideFunc
	newID     func() string
	log       *logger.Logger
	metrics   *observability.EngineMetrics

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// Option configures a Machine.
type Option func(*Machine)

// WithInputGenerator sets the generator used under automatic input generation.
func WithInputGenerator(g InputGenerator) Option { return func(m *Machine) { m.inputs = g } }

// WithGuard wraps every item execution in g.
func WithGuard(g Guard) Option { return func(m *Machine) { m.guard = g } }

// WithEvaluator sets the condition evaluator.
func WithEvaluator(e *condition.Evaluator) Option { return func(m *Machine) { m.evaluator = e } }

// WithDecider sets the decision function for AutoPickLLM.
func WithDecider(fn pathselect.DecideFunc) Option { return func(m *Machine) { m.decide = fn } }

// WithRand seeds random path selection.
func WithRand(r *rand.Rand) Option { return func(m *Machine) { m.rnd = r } }

// WithIDFunc sets the id generator for forked branches.
func WithIDFunc(fn func() string) Option { return func(m *Machine) { m.newID = fn } }

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(m *Machine) { m.log = l } }

// WithMetrics sets the metric instruments.
func WithMetrics(em *observability.EngineMetrics) Option { return func(m *Machine) { m.metrics = em } }

// NewMachine creates a Machine executing items with executor.
func NewMachine(executor StepExecutor, opts ...Option) *Machine {
	m := &Machine{executor: executor}
	for _, opt := range opts {
		opt(m)
	}
	if m.evaluator == nil {
		m.evaluator = condition.NewEvaluator(cache.Limits{})
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m.log = logger.OrNop(m.log).WithComponent("branch")
	return m
}

// Step advances b by one node. The returned error is reserved for misuse
// (stepping a branch that is not Active); everything that happens to the
// branch itself is reported in StepResult.
func (m *Machine) Step(ctx context.Context, b *run.Branch, env Env) (StepResult, error) {
	if b.Status != run.BranchActive {
		return StepResult{}, errors.Conflict(fmt.Sprintf("branch %s is %s, not Active", b.ID, b.Status))
	}
	if b.LocalContext == nil {
		b.LocalContext = make(map[string]any)
	}
	if b.LoopCounters == nil {
		b.LoopCounters = make(map[graph.NodeID]int)
	}

	op := observability.StartOperation(ctx, observability.SpanBranchStep,
		attribute.String(observability.AttrRunID, b.RunID),
		attribute.String(observability.AttrBranchID, b.ID),
		attribute.String(observability.AttrNodeID, string(b.CurrentNodeID)),
	)
	var res StepResult
	m.step(op.Context(), b, env, &res)
	b.UpdatedAt = env.now()

	var spanErr error
	if res.Failure != nil {
		spanErr = res.Failure
	}
	op.End(spanErr)
	return res, nil
}

func (m *Machine) step(ctx context.Context, b *run.Branch, env Env, res *StepResult) {
	node, ok := env.Routine.Node(b.CurrentNodeID)
	if !ok {
		m.fail(ctx, b, res, errors.Validation(fmt.Sprintf("node %s is not part of routine version %s", b.CurrentNodeID, env.Routine.ID)))
		return
	}

	if !b.NodeDone {
		switch p := node.Payload.(type) {
		case graph.End:
			b.WasSuccessful = p.WasSuccessful && b.LastStepOK
			m.transition(ctx, b, run.BranchCompleted)
			m.log.Debug("branch reached end node", m.fields(b, "was_successful", b.WasSuccessful))
			return
		case graph.SubroutineList:
			if !m.runItems(ctx, b, node, p, env, res) {
				return
			}
		}
		b.NodeDone = true
		if node.Loop != nil {
			b.LoopCounters[node.ID]++
		}
	}

	m.route(ctx, b, node, env, res)
}

// runItems executes the node's remaining items in order and reports whether
// all of them are done.
func (m *Machine) runItems(ctx context.Context, b *run.Branch, node *graph.Node, list graph.SubroutineList, env Env, res *StepResult) bool {
	for _, item := range list.Items {
		if b.ItemDone(item.ID) {
			continue
		}
		if ctx.Err() != nil {
			res.Interrupted = true
			return false
		}

		gated := !item.IsOptional
		if gated && env.Config.SubroutineExecution == run.Manual && !b.Triggered(item.ID) {
			m.wait(ctx, b, run.WaitTrigger, fmt.Sprintf("awaiting trigger for item %s", item.ID))
			return false
		}

		req := StepRequest{
			RunID:    b.RunID,
			BranchID: b.ID,
			NodeID:   node.ID,
			Item:     item,
			Context:  run.CopyContext(b.LocalContext),
		}

		inputs, ready, err := m.inputsFor(ctx, b, item, req, env)
		if err == nil && !ready {
			m.wait(ctx, b, run.WaitInput, fmt.Sprintf("awaiting inputs for item %s", item.ID))
			return false
		}
		var out StepOutput
		var ran bool
		if err == nil {
			req.Inputs = inputs
			out, ran, err = m.execute(ctx, b, item, req, env)
		}

		if ran {
			m.record(b, item, out)
			res.Executed++
			res.Complexity += item.Complexity
		}
		if err == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			res.Interrupted = true
			return false
		case errors.HasCode(err, errors.ErrCodeCreditExhausted):
			m.creditExhausted(ctx, b, env, res, err)
			return false
		case item.IsOptional:
			b.DoneItems = append(b.DoneItems, item.ID)
			m.log.WithError(err).Info("optional item failed; skipping", m.fields(b, "item_id", item.ID))
			continue
		default:
			b.LastStepOK = false
			m.fail(ctx, b, res, err)
			return false
		}
	}
	return true
}

// inputsFor resolves the item's inputs. ready is false when inputs must be
// supplied manually and are not present yet.
func (m *Machine) inputsFor(ctx context.Context, b *run.Branch, item graph.SubroutineRef, req StepRequest, env Env) (map[string]any, bool, error) {
	if env.Config.InputGeneration == run.Manual && !item.IsOptional {
		supplied, _ := b.LocalContext[ContextInputs].(map[string]any)
		in, ok := supplied[item.ID].(map[string]any)
		if !ok {
			return nil, false, nil
		}
		return run.CopyContext(in), true, nil
	}
	if m.inputs == nil {
		return map[string]any{}, true, nil
	}
	in, err := m.inputs.GenerateInputs(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if in == nil {
		in = map[string]any{}
	}
	return in, true, nil
}

// execute runs one item under the credit ledger and the guard. ran reports
// whether the executor succeeded; err may still carry CREDIT_EXHAUSTED from
// committing its cost.
func (m *Machine) execute(ctx context.Context, b *run.Branch, item graph.SubroutineRef, req StepRequest, env Env) (out StepOutput, ran bool, err error) {
	reservation := b.ID + "/" + item.ID
	estimate := big.NewInt(item.CreditEstimate)

	if env.Ledger != nil {
		if env.Ledger.Exhausted() {
			return out, false, errors.CreditExhausted(b.RunID, estimate.String(), "0")
		}
		if estimate.Sign() > 0 {
			if err := env.Ledger.Reserve(reservation, estimate); err != nil {
				return out, false, err
			}
		}
	}

	exec := observability.StartOperation(ctx, observability.SpanStepExecute,
		attribute.String(observability.AttrTarget, item.Target),
		attribute.String("runkit.item_id", item.ID),
	)
	call := func(ctx context.Context) error {
		var callErr error
		out, callErr = m.executor.Execute(ctx, req)
		return callErr
	}
	if m.guard != nil {
		err = m.guard.Call(exec.Context(), item.Target, call)
	} else {
		err = call(exec.Context())
	}
	m.metrics.StepExecuted(ctx, item.Target, exec.End(err), err)

	if err != nil {
		if env.Ledger != nil {
			env.Ledger.Release(reservation)
		}
		return StepOutput{}, false, err
	}

	if env.Ledger != nil {
		cost := out.Cost
		if cost == nil {
			cost = estimate
		}
		if cerr := env.Ledger.Commit(reservation, cost); cerr != nil {
			return out, true, cerr
		}
		if cost.IsInt64() {
			m.metrics.CreditsDebited(ctx, cost.Int64())
		}
	}
	return out, true, nil
}

func (m *Machine) record(b *run.Branch, item graph.SubroutineRef, out StepOutput) {
	outputs := out.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	b.LocalContext[item.ID] = run.CopyContext(outputs)
	b.LocalContext[ContextLast] = run.CopyContext(outputs)
	b.DoneItems = append(b.DoneItems, item.ID)
	b.StepsDone++
	b.LastStepOK = true
}

func (m *Machine) creditExhausted(ctx context.Context, b *run.Branch, env Env, res *StepResult, err error) {
	if env.Config.OnCreditExhausted == run.OnCreditExhaustedFail {
		m.fail(ctx, b, res, err)
		return
	}
	res.CreditExhausted = true
	m.wait(ctx, b, run.WaitCredits, "credit budget exhausted")
}

func (m *Machine) route(ctx context.Context, b *run.Branch, node *graph.Node, env Env, res *StepResult) {
	if node.Loop != nil && b.LoopCounters[node.ID] >= node.Loop.MaxLoops {
		exit, ok := env.Routine.Link(node.Loop.ExitLinkID)
		if !ok {
			m.fail(ctx, b, res, errors.Validation(fmt.Sprintf("loop exit link %s not found", node.Loop.ExitLinkID)))
			return
		}
		m.log.Debug("loop budget reached; taking exit link", m.fields(b,
			"loops", b.LoopCounters[node.ID],
			"exit_link_id", string(exit.ID),
		))
		delete(b.LoopCounters, node.ID)
		m.follow(b, []graph.Link{exit}, env, res)
		return
	}

	outgoing := env.Routine.Outgoing(node.ID)
	satisfied, err := m.evaluator.Satisfied(outgoing, b.LocalContext)
	if err != nil {
		m.fail(ctx, b, res, err)
		return
	}

	sel := pathselect.New(env.Config.PathSelection, m.rand())
	sel.FanOut = env.Config.FanOut
	sel.Decide = m.decide
	d, err := sel.Select(ctx, pathselect.Request{
		Node:      node,
		Outgoing:  outgoing,
		Satisfied: satisfied,
		Choice:    b.PendingChoice,
	})
	if err != nil {
		m.fail(ctx, b, res, err)
		return
	}

	switch d.Outcome {
	case pathselect.Wait:
		kind := run.WaitRoute
		if len(d.Candidates) > 0 {
			kind = run.WaitChoice
		}
		b.PendingChoice = ""
		m.wait(ctx, b, kind, d.Reason)
	case pathselect.Fail:
		m.fail(ctx, b, res, errors.New(errors.ErrCodeBranchFailure, fmt.Sprintf("node %s: %s", node.ID, d.Reason)))
	default:
		if node.Loop != nil {
			for _, l := range d.Links {
				if l.ID == node.Loop.ExitLinkID {
					delete(b.LoopCounters, node.ID)
				}
			}
		}
		m.follow(b, d.Links, env, res)
	}
}

// follow moves b along the first link and forks a new branch for each other.
func (m *Machine) follow(b *run.Branch, links []graph.Link, env Env, res *StepResult) {
	now := env.now()
	for _, l := range links[1:] {
		res.Forks = append(res.Forks, b.Fork(m.newID(), l.To, now))
	}
	b.MoveTo(links[0].To)
}

func (m *Machine) wait(ctx context.Context, b *run.Branch, kind run.WaitKind, reason string) {
	from := b.Status
	if err := b.Wait(kind, reason); err != nil {
		m.log.WithError(err).Error("cannot move branch to waiting", m.fields(b))
		return
	}
	m.metrics.BranchTransition(ctx, string(from), string(run.BranchWaiting))
	m.log.Debug("branch waiting", m.fields(b, "wait_kind", string(kind), "reason", reason))
}

func (m *Machine) fail(ctx context.Context, b *run.Branch, res *StepResult, cause error) {
	appErr := errors.Wrap(cause)
	b.Error = cause.Error()
	b.ErrorCode = string(appErr.Code)
	res.Failure = errors.BranchFailure(b.ID, string(b.CurrentNodeID), cause)
	m.transition(ctx, b, run.BranchFailed)
	m.log.WithError(cause).Warn("branch failed", m.fields(b))
}

func (m *Machine) transition(ctx context.Context, b *run.Branch, to run.BranchStatus) {
	from := b.Status
	if err := b.Transition(to); err != nil {
		m.log.WithError(err).Error("illegal branch transition", m.fields(b))
		return
	}
	m.metrics.BranchTransition(ctx, string(from), string(to))
}

func (m *Machine) rand() *rand.Rand {
	m.rndMu.Lock()
	defer m.rndMu.Unlock()
	return rand.New(rand.NewPCG(m.rnd.Uint64(), m.rnd.Uint64()))
}

func (m *Machine) fields(b *run.Branch, kvs ...interface{}) map[string]interface{} {
	f := logger.Fields(kvs...)
	f[logger.FieldRunID] = b.RunID
	f[logger.FieldBranchID] = b.ID
	f[logger.FieldNodeID] = string(b.CurrentNodeID)
	f["steps_done"] = b.StepsDone
	return f
}
