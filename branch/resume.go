package branch

import (
	"context"
	"fmt"

	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/run"
)

// Resume applies manual input to b and reactivates it when it was Waiting.
// The next Step re-checks whatever the branch was waiting for.
func (m *Machine) Resume(ctx context.Context, b *run.Branch, in ResumeInput) error {
	if b.Status.Terminal() {
		return errors.Conflict(fmt.Sprintf("branch %s is %s", b.ID, b.Status))
	}
	if b.LocalContext == nil {
		b.LocalContext = make(map[string]any)
	}
	if in.Choice != "" {
		b.PendingChoice = in.Choice
	}
	for _, t := range in.Triggers {
		if !b.Triggered(t) {
			b.Triggers = append(b.Triggers, t)
		}
	}
	if len(in.Inputs) > 0 {
		supplied, _ := b.LocalContext[ContextInputs].(map[string]any)
		if supplied == nil {
			supplied = make(map[string]any)
		}
		for item, values := range in.Inputs {
			supplied[item] = run.CopyContext(values)
		}
		b.LocalContext[ContextInputs] = supplied
	}
	for k, v := range run.CopyContext(in.Context) {
		b.LocalContext[k] = v
	}

	if b.Status == run.BranchWaiting {
		m.transition(ctx, b, run.BranchActive)
		m.log.Debug("branch resumed", m.fields(b))
	}
	return nil
}

// Wake reactivates a Waiting branch whose wait condition now holds and
// reports whether it did.
func (m *Machine) Wake(ctx context.Context, b *run.Branch, env Env) bool {
	if b.Status != run.BranchWaiting {
		return false
	}
	if !m.ready(b, env) {
		return false
	}
	m.transition(ctx, b, run.BranchActive)
	return true
}

func (m *Machine) ready(b *run.Branch, env Env) bool {
	node, ok := env.Routine.Node(b.CurrentNodeID)
	if !ok {
		return true
	}
	switch b.WaitKind {
	case run.WaitCredits:
		return env.Ledger == nil || !env.Ledger.Exhausted()
	case run.WaitChoice:
		return b.PendingChoice != ""
	case run.WaitTrigger, run.WaitInput:
		item, found := nextItem(b, node)
		if !found {
			return true
		}
		if b.WaitKind == run.WaitTrigger {
			return b.Triggered(item.ID)
		}
		supplied, _ := b.LocalContext[ContextInputs].(map[string]any)
		_, has := supplied[item.ID].(map[string]any)
		return has
	case run.WaitRoute:
		satisfied, err := m.evaluator.Satisfied(env.Routine.Outgoing(node.ID), b.LocalContext)
		if err != nil {
			// Let Step report the evaluation failure.
			return true
		}
		for _, l := range satisfied {
			if !l.IsFallback {
				return true
			}
		}
		return false
	}
	return true
}

func nextItem(b *run.Branch, node *graph.Node) (graph.SubroutineRef, bool) {
	list, ok := node.Payload.(graph.SubroutineList)
	if !ok {
		return graph.SubroutineRef{}, false
	}
	for _, item := range list.Items {
		if !b.ItemDone(item.ID) {
			return item, true
		}
	}
	return graph.SubroutineRef{}, false
}
