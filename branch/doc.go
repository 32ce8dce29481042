// Package branch advances one branch of a run through its routine graph.
//
// A Machine executes the work at the branch's current node (subroutine
// items through a StepExecutor, guarded per target), then routes the branch
// along the links its context satisfies. Multiple selected links fork the
// branch. Branch-local failures are reported in StepResult, never as the
// returned error.
package branch
