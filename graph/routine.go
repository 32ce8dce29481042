package graph

import "sort"

// RoutineVersion is an immutable, validated routine graph.
type RoutineVersion struct {
	ID          string
	RoutineID   string
	Name        string
	StartNodeID NodeID

	nodes    map[NodeID]*Node
	links    []Link
	linkIdx  map[LinkID]int
	outgoing map[NodeID][]int
	size     int64
}

// Node returns the node with the given id.
func (rv *RoutineVersion) Node(id NodeID) (*Node, bool) {
	n, ok := rv.nodes[id]
	return n, ok
}

// Start returns the start node.
func (rv *RoutineVersion) Start() *Node {
	return rv.nodes[rv.StartNodeID]
}

// NodeIDs returns all node ids in sorted order.
func (rv *RoutineVersion) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(rv.nodes))
	for id := range rv.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Links returns every link in declaration order.
func (rv *RoutineVersion) Links() []Link {
	out := make([]Link, len(rv.links))
	copy(out, rv.links)
	return out
}

// Link returns the link with the given id.
func (rv *RoutineVersion) Link(id LinkID) (Link, bool) {
	i, ok := rv.linkIdx[id]
	if !ok {
		return Link{}, false
	}
	return rv.links[i], true
}

// Outgoing returns the links leaving id, in declaration order.
func (rv *RoutineVersion) Outgoing(id NodeID) []Link {
	idx := rv.outgoing[id]
	out := make([]Link, len(idx))
	for i, j := range idx {
		out[i] = rv.links[j]
	}
	return out
}

// SizeBytes is an estimate of the version's in-memory footprint.
func (rv *RoutineVersion) SizeBytes() int64 { return rv.size }

const (
	nodeOverhead = 96
	linkOverhead = 64
	itemOverhead = 48
)

func estimateSize(rv *RoutineVersion) int64 {
	size := int64(len(rv.ID) + len(rv.RoutineID) + len(rv.Name) + len(rv.StartNodeID))
	for id, n := range rv.nodes {
		size += nodeOverhead + int64(len(id)+len(n.Name))
		if sl, ok := n.Payload.(SubroutineList); ok {
			for _, it := range sl.Items {
				size += itemOverhead + int64(len(it.ID)+len(it.RoutineVersionID)+len(it.Target))
			}
		}
	}
	for _, l := range rv.links {
		size += linkOverhead + int64(len(l.ID)+len(l.From)+len(l.To))
		for _, w := range l.Whens {
			size += int64(len(w.ID) + len(w.Condition.Expression))
			for _, r := range w.Condition.Required {
				size += int64(len(r))
			}
		}
	}
	return size
}
