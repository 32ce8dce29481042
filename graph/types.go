package graph

// NodeID addresses a node inside one RoutineVersion.
type NodeID string

// LinkID addresses a link inside one RoutineVersion.
type LinkID string

// NodeKind names a node payload variant.
type NodeKind string

const (
	KindSubroutineList NodeKind = "subroutine_list"
	KindDecision       NodeKind = "decision"
	KindEnd            NodeKind = "end"
)

// Kinds lists every valid node kind.
var Kinds = []string{string(KindSubroutineList), string(KindDecision), string(KindEnd)}

// Payload is the kind-specific part of a Node. The set of implementations
// is closed to this package.
type Payload interface {
	Kind() NodeKind
	isPayload()
}

// SubroutineList runs child routines in Index order when Ordered is set,
// in any order otherwise.
type SubroutineList struct {
	Ordered bool
	Items   []SubroutineRef
}

// Decision has no work of its own; it only routes.
type Decision struct{}

// End terminates a branch.
type End struct {
	WasSuccessful bool
}

func (SubroutineList) Kind() NodeKind { return KindSubroutineList }
func (Decision) Kind() NodeKind       { return KindDecision }
func (End) Kind() NodeKind            { return KindEnd }

func (SubroutineList) isPayload() {}
func (Decision) isPayload()       {}
func (End) isPayload()            {}

// SubroutineRef is one child routine inside a SubroutineList.
type SubroutineRef struct {
	ID               string
	RoutineVersionID string
	Index            int
	IsOptional       bool
	// Target names the external dependency the step calls; breakers are keyed by it.
	Target string
	// CreditEstimate is reserved from the ledger before the step executes.
	CreditEstimate int64
	Complexity     int
}

// Loop bounds how many times a branch may pass through a node.
type Loop struct {
	MaxLoops   int
	ExitLinkID LinkID
}

// Node is one vertex of a routine graph.
type Node struct {
	ID   NodeID
	Name string
	// WaitOnNoMatch makes a non-decision node wait instead of failing when
	// none of its outgoing links is satisfied.
	WaitOnNoMatch bool
	Loop          *Loop
	Payload       Payload
}

// Kind returns the node's payload kind.
func (n *Node) Kind() NodeKind { return n.Payload.Kind() }

// IsEnd reports whether the node terminates a branch.
func (n *Node) IsEnd() bool { return n.Kind() == KindEnd }

// Condition is an expression evaluated against a branch context.
// Variables listed in Required must be defined; others evaluate as false
// when missing.
type Condition struct {
	Expression string
	Required   []string
}

// When is one guard on a link.
type When struct {
	ID        string
	Condition Condition
}

// Link is a directed edge. All of its whens must hold for it to be
// satisfied; a link without whens is unconditional.
type Link struct {
	ID         LinkID
	From       NodeID
	To         NodeID
	Whens      []When
	IsFallback bool
}

// Unconditional reports whether the link has no guards.
func (l Link) Unconditional() bool { return len(l.Whens) == 0 }
