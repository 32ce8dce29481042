package taskqueue

import (
	"context"

	"github.com/kbukum/runkit/branch"
	"github.com/kbukum/runkit/errors"
)

// Executor runs routine items as queue jobs. The job type is the item's
// Target; items whose target has no handler go to Fallback, or fail with
// INVALID_INPUT when Fallback is nil.
type Executor struct {
	Queue    *Queue
	Fallback branch.StepExecutor
}

// NewExecutor creates an Executor over q.
func NewExecutor(q *Queue, fallback branch.StepExecutor) *Executor {
	return &Executor{Queue: q, Fallback: fallback}
}

// Execute implements branch.StepExecutor.
func (e *Executor) Execute(ctx context.Context, req branch.StepRequest) (branch.StepOutput, error) {
	if !e.Queue.Handles(req.Item.Target) {
		if e.Fallback != nil {
			return e.Fallback.Execute(ctx, req)
		}
		return branch.StepOutput{}, errors.InvalidInput("target", "no job handler for target "+req.Item.Target)
	}

	job, err := e.Queue.Enqueue(ctx, req.Item.Target, Payload(req))
	if err != nil {
		return branch.StepOutput{}, err
	}
	job, err = e.Queue.Await(ctx, job.ID)
	if err != nil {
		return branch.StepOutput{}, err
	}
	if job.Status == StatusFailed {
		code := errors.ErrorCode(job.ErrorCode)
		if code == "" {
			code = errors.ErrCodeExternalService
		}
		return branch.StepOutput{}, errors.New(code, job.Error).
			WithDetail("job_id", job.ID).
			WithDetail("job_type", job.Type)
	}
	return branch.StepOutput{Outputs: job.Result}, nil
}

// Payload is the job payload describing req.
func Payload(req branch.StepRequest) map[string]any {
	return map[string]any{
		"run_id":    req.RunID,
		"branch_id": req.BranchID,
		"node_id":   string(req.NodeID),
		"item_id":   req.Item.ID,
		"inputs":    req.Inputs,
		"context":   req.Context,
	}
}
