package run

import (
	"time"

	"github.com/kbukum/runkit/credit"
	"github.com/kbukum/runkit/graph"
)

// Failure describes why a run failed.
type Failure struct {
	Code     string       `json:"code"`
	Message  string       `json:"message"`
	BranchID string       `json:"branchId,omitempty"`
	NodeID   graph.NodeID `json:"nodeId,omitempty"`
}

// Run is one execution of a routine version.
type Run struct {
	ID                  string        `json:"id"`
	RoutineVersionID    string        `json:"routineVersionId"`
	UserID              string        `json:"userId"`
	Status              Status        `json:"status"`
	Branches            []*Branch     `json:"branches"`
	CompletedComplexity int           `json:"completedComplexity"`
	TimeElapsed         time.Duration `json:"timeElapsed"`
	StepsCount          int           `json:"stepsCount"`
	// Iterations counts scheduler iterations across every resume.
	Iterations  int             `json:"iterations"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Failure     *Failure        `json:"failure,omitempty"`
	Credits     credit.Snapshot `json:"credits"`
	Config      Config          `json:"config"`
}

// New creates a Scheduled run.
func New(id, routineVersionID, userID string, cfg Config) *Run {
	return &Run{
		ID:               id,
		RoutineVersionID: routineVersionID,
		UserID:           userID,
		Status:           StatusScheduled,
		Config:           cfg,
	}
}

// Transition moves the run to status to.
func (r *Run) Transition(to Status, now time.Time) error {
	if !allowed(runTransitions, r.Status, to) {
		return transitionError("run", r.Status, to)
	}
	r.Status = to
	if to == StatusInProgress && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		r.CompletedAt = &t
	}
	return nil
}

// Fail moves the run to Failed and records where it failed.
func (r *Run) Fail(f Failure, now time.Time) error {
	if err := r.Transition(StatusFailed, now); err != nil {
		return err
	}
	r.Failure = &f
	return nil
}

// AddBranch appends b.
func (r *Run) AddBranch(b *Branch) { r.Branches = append(r.Branches, b) }

// Branch returns the branch with id.
func (r *Run) Branch(id string) (*Branch, bool) {
	for _, b := range r.Branches {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// BranchesWith returns branches in status s, in creation order.
func (r *Run) BranchesWith(s BranchStatus) []*Branch {
	var out []*Branch
	for _, b := range r.Branches {
		if b.Status == s {
			out = append(out, b)
		}
	}
	return out
}

// Counts returns the number of branches per status.
func (r *Run) Counts() map[BranchStatus]int {
	c := make(map[BranchStatus]int, 4)
	for _, b := range r.Branches {
		c[b.Status]++
	}
	return c
}

// AllTerminal reports whether every branch is Completed or Failed.
func (r *Run) AllTerminal() bool {
	for _, b := range r.Branches {
		if !b.Status.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	c := *r
	c.Branches = make([]*Branch, len(r.Branches))
	for i, b := range r.Branches {
		c.Branches[i] = b.Clone()
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	c.Config = r.Config.Clone()
	return &c
}
