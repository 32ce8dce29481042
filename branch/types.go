package branch

import (
	"context"
	"math/big"
	"time"

	"github.com/kbukum/runkit/credit"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/run"
)

// Context keys written by the machine.
const (
	// ContextLast holds the outputs of the most recent subroutine item.
	ContextLast = "last"
	// ContextInputs holds manually supplied inputs keyed by item id.
	ContextInputs = "inputs"
)

// StepRequest describes one subroutine item execution.
type StepRequest struct {
	RunID    string
	BranchID string
	NodeID   graph.NodeID
	Item     graph.SubroutineRef
	Inputs   map[string]any
	// Context is a copy of the branch context at call time.
	Context map[string]any
}

// StepOutput is what an executed item produced. A nil Cost charges the
// item's credit estimate.
type StepOutput struct {
	Outputs map[string]any
	Cost    *big.Int
}

// StepExecutor runs subroutine items.
type StepExecutor interface {
	Execute(ctx context.Context, req StepRequest) (StepOutput, error)
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, req StepRequest) (StepOutput, error)

// Execute implements StepExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, req StepRequest) (StepOutput, error) {
	return f(ctx, req)
}

// InputGenerator synthesizes inputs for items under automatic input generation.
type InputGenerator interface {
	GenerateInputs(ctx context.Context, req StepRequest) (map[string]any, error)
}

// InputGeneratorFunc adapts a function to InputGenerator.
type InputGeneratorFunc func(ctx context.Context, req StepRequest) (map[string]any, error)

// GenerateInputs implements InputGenerator.
func (f InputGeneratorFunc) GenerateInputs(ctx context.Context, req StepRequest) (map[string]any, error) {
	return f(ctx, req)
}

// Guard protects calls to a target. *resilience.Guard satisfies it.
type Guard interface {
	Call(ctx context.Context, target string, fn func(context.Context) error) error
}

// Env is the run-wide state a step reads.
type Env struct {
	Routine *graph.RoutineVersion
	// Ledger may be nil, in which case credits are not tracked.
	Ledger *credit.Ledger
	Config run.Config
	Now    func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StepResult reports what a step did.
type StepResult struct {
	// Executed counts subroutine items that ran to completion.
	Executed int
	// Complexity sums the complexity of the executed items.
	Complexity int
	// Forks are new Active branches created by fan-out.
	Forks []*run.Branch
	// Failure is set when the branch failed.
	Failure *errors.AppError
	// CreditExhausted is set when the branch paused for credits.
	CreditExhausted bool
	// Interrupted is set when ctx ended mid-step; the branch is unchanged
	// apart from items that already completed.
	Interrupted bool
}

// ResumeInput carries manual input for a waiting branch.
type ResumeInput struct {
	Choice   graph.LinkID              `json:"choice,omitempty"`
	Triggers []string                  `json:"triggers,omitempty"`
	Inputs   map[string]map[string]any `json:"inputs,omitempty"`
	Context  map[string]any            `json:"context,omitempty"`
}

// Empty reports whether in carries nothing.
func (in ResumeInput) Empty() bool {
	return in.Choice == "" && len(in.Triggers) == 0 && len(in.Inputs) == 0 && len(in.Context) == 0
}
