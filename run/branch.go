package run

import (
	"time"

	"github.com/kbukum/runkit/graph"
)

// Branch is one path of execution through a run's graph.
type Branch struct {
	ID            string               `json:"id"`
	RunID         string               `json:"runId"`
	ParentID      string               `json:"parentId,omitempty"`
	CurrentNodeID graph.NodeID         `json:"currentNodeId"`
	Status        BranchStatus         `json:"status"`
	LocalContext  map[string]any       `json:"localContext"`
	LoopCounters  map[graph.NodeID]int `json:"loopCounters"`
	StepsDone     int                  `json:"stepsDone"`

	// DoneItems holds subroutine item ids already finished at CurrentNodeID.
	DoneItems []string `json:"doneItems,omitempty"`
	// LastStepOK is the outcome of the most recent subroutine step.
	LastStepOK    bool `json:"lastStepOk"`
	WasSuccessful bool `json:"wasSuccessful"`

	// PendingChoice is a manual link choice awaiting evaluation.
	PendingChoice graph.LinkID `json:"pendingChoice,omitempty"`
	// Triggers are item ids a user has released for manual execution.
	Triggers []string `json:"triggers,omitempty"`
	// NodeDone is set once the work at CurrentNodeID finished and only
	// routing remains.
	NodeDone   bool     `json:"nodeDone,omitempty"`
	WaitKind   WaitKind `json:"waitKind,omitempty"`
	WaitReason string   `json:"waitReason,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"errorCode,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewBranch creates an Active branch positioned at node.
func NewBranch(id, runID string, node graph.NodeID, now time.Time) *Branch {
	return &Branch{
		ID:            id,
		RunID:         runID,
		CurrentNodeID: node,
		Status:        BranchActive,
		LocalContext:  make(map[string]any),
		LoopCounters:  make(map[graph.NodeID]int),
		LastStepOK:    true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the branch to status to. Terminal states have no exits
// and Waiting may only return to Active.
func (b *Branch) Transition(to BranchStatus) error {
	if !allowed(branchTransitions, b.Status, to) {
		return transitionError("branch", b.Status, to)
	}
	b.Status = to
	if to != BranchWaiting {
		b.WaitKind = ""
		b.WaitReason = ""
	}
	return nil
}

// Wait moves an Active branch to Waiting and records why.
func (b *Branch) Wait(kind WaitKind, reason string) error {
	if err := b.Transition(BranchWaiting); err != nil {
		return err
	}
	b.WaitKind = kind
	b.WaitReason = reason
	return nil
}

// MoveTo positions the branch at node and clears per-node progress.
func (b *Branch) MoveTo(node graph.NodeID) {
	b.CurrentNodeID = node
	b.DoneItems = nil
	b.NodeDone = false
	b.PendingChoice = ""
}

// ItemDone reports whether item id already ran at the current node.
func (b *Branch) ItemDone(id string) bool {
	for _, d := range b.DoneItems {
		if d == id {
			return true
		}
	}
	return false
}

// Triggered reports whether item id was released for manual execution.
func (b *Branch) Triggered(id string) bool {
	for _, t := range b.Triggers {
		if t == id {
			return true
		}
	}
	return false
}

// Fork returns a new Active branch at node with a deep copy of b's context
// and loop counters.
func (b *Branch) Fork(id string, node graph.NodeID, now time.Time) *Branch {
	child := b.Clone()
	child.ID = id
	child.ParentID = b.ID
	child.Status = BranchActive
	child.WaitKind = ""
	child.WaitReason = ""
	child.Triggers = nil
	child.CreatedAt = now
	child.UpdatedAt = now
	child.MoveTo(node)
	return child
}

// Clone returns a deep copy of b.
func (b *Branch) Clone() *Branch {
	c := *b
	c.LocalContext = deepCopyMap(b.LocalContext)
	c.LoopCounters = make(map[graph.NodeID]int, len(b.LoopCounters))
	for k, v := range b.LoopCounters {
		c.LoopCounters[k] = v
	}
	c.DoneItems = append([]string(nil), b.DoneItems...)
	c.Triggers = append([]string(nil), b.Triggers...)
	return &c
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// CopyContext returns a deep copy of a branch context map.
func CopyContext(m map[string]any) map[string]any {
	return deepCopyMap(m)
}
