package run

import (
	stderrors "errors"
	"fmt"
)

// Status is a Run's lifecycle state.
type Status string

const (
	StatusScheduled  Status = "Scheduled"
	StatusInProgress Status = "InProgress"
	StatusPaused     Status = "Paused"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BranchStatus is a Branch's state.
type BranchStatus string

const (
	BranchActive    BranchStatus = "Active"
	BranchWaiting   BranchStatus = "Waiting"
	BranchCompleted BranchStatus = "Completed"
	BranchFailed    BranchStatus = "Failed"
)

// Terminal reports whether the branch is finished.
func (s BranchStatus) Terminal() bool {
	return s == BranchCompleted || s == BranchFailed
}

// WaitKind says what a Waiting branch is waiting for.
type WaitKind string

const (
	// WaitRoute waits for a link condition to become satisfied.
	WaitRoute WaitKind = "route"
	// WaitChoice waits for a manual link choice.
	WaitChoice WaitKind = "choice"
	// WaitTrigger waits for a manual execution trigger.
	WaitTrigger WaitKind = "trigger"
	// WaitInput waits for manually supplied inputs.
	WaitInput WaitKind = "input"
	// WaitCredits waits for more credit.
	WaitCredits WaitKind = "credits"
)

// ErrIllegalTransition is returned for transitions outside the state machine.
var ErrIllegalTransition = stderrors.New("illegal status transition")

var runTransitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled, StatusFailed},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusCancelled, StatusFailed},
}

var branchTransitions = map[BranchStatus][]BranchStatus{
	BranchActive:  {BranchWaiting, BranchCompleted, BranchFailed},
	BranchWaiting: {BranchActive},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError[S any](kind string, from, to S) error {
	return fmt.Errorf("%w: %s %v -> %v", ErrIllegalTransition, kind, from, to)
}
