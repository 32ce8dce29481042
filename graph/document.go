package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/validation"
)

// Format identifies a routine document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch {
	case strings.HasSuffix(path, ".json"):
		return FormatJSON, true
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return FormatYAML, true
	}
	return "", false
}

// Document is the wire form of a routine version.
type Document struct {
	ID          string         `json:"id" yaml:"id"`
	RoutineID   string         `json:"routineId" yaml:"routineId"`
	Name        string         `json:"name" yaml:"name"`
	StartNodeID string         `json:"startNodeId" yaml:"startNodeId"`
	Nodes       []NodeDocument `json:"nodes" yaml:"nodes"`
	Links       []LinkDocument `json:"links" yaml:"links"`
}

// NodeDocument carries exactly one payload matching Kind.
type NodeDocument struct {
	ID             string                  `json:"id" yaml:"id"`
	Name           string                  `json:"name" yaml:"name"`
	Kind           string                  `json:"kind" yaml:"kind"`
	WaitOnNoMatch  bool                    `json:"waitOnNoMatch" yaml:"waitOnNoMatch"`
	Loop           *LoopDocument           `json:"loop,omitempty" yaml:"loop,omitempty"`
	SubroutineList *SubroutineListDocument `json:"subroutineList,omitempty" yaml:"subroutineList,omitempty"`
	Decision       *struct{}               `json:"decision,omitempty" yaml:"decision,omitempty"`
	End            *EndDocument            `json:"end,omitempty" yaml:"end,omitempty"`
}

// LoopDocument is the wire form of Loop.
type LoopDocument struct {
	MaxLoops   int    `json:"maxLoops" yaml:"maxLoops"`
	ExitLinkID string `json:"exitLinkId" yaml:"exitLinkId"`
}

// SubroutineListDocument is the wire form of SubroutineList.
type SubroutineListDocument struct {
	Ordered bool                    `json:"isOrdered" yaml:"isOrdered"`
	Items   []SubroutineRefDocument `json:"items" yaml:"items"`
}

// SubroutineRefDocument is the wire form of SubroutineRef.
type SubroutineRefDocument struct {
	ID               string `json:"id" yaml:"id"`
	RoutineVersionID string `json:"routineVersionId" yaml:"routineVersionId"`
	Index            int    `json:"index" yaml:"index"`
	IsOptional       bool   `json:"isOptional" yaml:"isOptional"`
	Target           string `json:"target" yaml:"target"`
	CreditEstimate   int64  `json:"creditEstimate" yaml:"creditEstimate"`
	Complexity       int    `json:"complexity" yaml:"complexity"`
}

// EndDocument is the wire form of End.
type EndDocument struct {
	WasSuccessful bool `json:"wasSuccessful" yaml:"wasSuccessful"`
}

// LinkDocument is the wire form of Link.
type LinkDocument struct {
	ID         string         `json:"id" yaml:"id"`
	From       string         `json:"from" yaml:"from"`
	To         string         `json:"to" yaml:"to"`
	IsFallback bool           `json:"isFallback" yaml:"isFallback"`
	Whens      []WhenDocument `json:"whens,omitempty" yaml:"whens,omitempty"`
}

// WhenDocument is the wire form of When.
type WhenDocument struct {
	ID        string   `json:"id" yaml:"id"`
	Condition string   `json:"condition" yaml:"condition"`
	Required  []string `json:"required,omitempty" yaml:"required,omitempty"`
}

// Decode parses and validates a routine document.
func Decode(data []byte, format Format) (*RoutineVersion, error) {
	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return nil, errors.Validation("routine document is not valid JSON").WithCause(err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Validation("routine document is not valid YAML").WithCause(err)
		}
	default:
		return nil, errors.InvalidInput("format", fmt.Sprintf("unsupported routine format %q", format))
	}
	return Build(doc)
}

// Build validates doc and converts it into a RoutineVersion. Every problem
// found is reported in one VALIDATION_ERROR.
func Build(doc Document) (*RoutineVersion, error) {
	v := validation.New()
	v.Required("id", doc.ID)
	v.Required("startNodeId", doc.StartNodeID)
	v.Check(len(doc.Nodes) > 0, "nodes", "must not be empty")

	rv := &RoutineVersion{
		ID:          doc.ID,
		RoutineID:   doc.RoutineID,
		Name:        doc.Name,
		StartNodeID: NodeID(doc.StartNodeID),
		nodes:       make(map[NodeID]*Node, len(doc.Nodes)),
		linkIdx:     make(map[LinkID]int, len(doc.Links)),
		outgoing:    make(map[NodeID][]int),
	}

	seenNodes := map[string]bool{}
	ends := 0
	for i, nd := range doc.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if nd.ID == "" {
			v.AddError(field+".id", "is required")
			continue
		}
		v.Unique(field+".id", nd.ID, seenNodes)
		node, ok := buildNode(v, field, nd)
		if !ok {
			continue
		}
		if node.IsEnd() {
			ends++
		}
		rv.nodes[node.ID] = node
	}
	v.Check(ends > 0, "nodes", "at least one end node is required")
	if doc.StartNodeID != "" && len(rv.nodes) > 0 {
		_, ok := rv.nodes[rv.StartNodeID]
		v.Check(ok || seenNodes[doc.StartNodeID], "startNodeId", fmt.Sprintf("unknown node %q", doc.StartNodeID))
	}

	seenLinks := map[string]bool{}
	fallbacks := map[NodeID]LinkID{}
	for i, ld := range doc.Links {
		field := fmt.Sprintf("links[%d]", i)
		if ld.ID == "" {
			v.AddError(field+".id", "is required")
			continue
		}
		v.Unique(field+".id", ld.ID, seenLinks)
		link := buildLink(v, field, ld)
		from, fromOK := rv.nodes[link.From]
		_, toOK := rv.nodes[link.To]
		v.Check(fromOK, field+".from", fmt.Sprintf("unknown node %q", ld.From))
		v.Check(toOK, field+".to", fmt.Sprintf("unknown node %q", ld.To))
		if fromOK && from.IsEnd() {
			v.AddError(field+".from", fmt.Sprintf("end node %q cannot have outgoing links", ld.From))
		}
		if link.IsFallback {
			if prev, dup := fallbacks[link.From]; dup {
				v.Addf(field+".isFallback", "node %q already has fallback link %q", link.From, prev)
			}
			fallbacks[link.From] = link.ID
		}
		rv.linkIdx[link.ID] = len(rv.links)
		rv.outgoing[link.From] = append(rv.outgoing[link.From], len(rv.links))
		rv.links = append(rv.links, link)
	}

	for _, id := range rv.NodeIDs() {
		n := rv.nodes[id]
		if !n.IsEnd() {
			v.Check(len(rv.outgoing[id]) > 0, fmt.Sprintf("nodes[%s]", id), "non-end node needs at least one outgoing link")
		}
		if n.Loop == nil {
			continue
		}
		exit, ok := rv.Link(n.Loop.ExitLinkID)
		switch {
		case !ok:
			v.Addf(fmt.Sprintf("nodes[%s].loop.exitLinkId", id), "unknown link %q", n.Loop.ExitLinkID)
		case exit.From != id:
			v.Addf(fmt.Sprintf("nodes[%s].loop.exitLinkId", id), "link %q does not leave node %q", exit.ID, id)
		}
	}

	if err := v.Err(); err != nil {
		return nil, err
	}
	rv.size = estimateSize(rv)
	return rv, nil
}

func buildNode(v *validation.Validator, field string, nd NodeDocument) (*Node, bool) {
	node := &Node{ID: NodeID(nd.ID), Name: nd.Name, WaitOnNoMatch: nd.WaitOnNoMatch}

	payloads := 0
	for _, set := range []bool{nd.SubroutineList != nil, nd.Decision != nil, nd.End != nil} {
		if set {
			payloads++
		}
	}
	if payloads > 1 {
		v.AddError(field, "exactly one payload may be set")
		return nil, false
	}

	switch NodeKind(nd.Kind) {
	case KindSubroutineList:
		if nd.SubroutineList == nil {
			v.AddError(field+".subroutineList", "is required for kind subroutine_list")
			return nil, false
		}
		node.Payload = buildSubroutineList(v, field+".subroutineList", nd.SubroutineList)
	case KindDecision:
		if payloads > 0 && nd.Decision == nil {
			v.AddError(field, "payload does not match kind decision")
			return nil, false
		}
		node.Payload = Decision{}
	case KindEnd:
		if nd.End == nil {
			v.AddError(field+".end", "is required for kind end")
			return nil, false
		}
		node.Payload = End{WasSuccessful: nd.End.WasSuccessful}
	default:
		v.OneOf(field+".kind", nd.Kind, Kinds)
		return nil, false
	}

	if nd.Loop != nil {
		v.Min(field+".loop.maxLoops", nd.Loop.MaxLoops, 1)
		v.Required(field+".loop.exitLinkId", nd.Loop.ExitLinkID)
		node.Loop = &Loop{MaxLoops: nd.Loop.MaxLoops, ExitLinkID: LinkID(nd.Loop.ExitLinkID)}
	}
	return node, true
}

func buildSubroutineList(v *validation.Validator, field string, sd *SubroutineListDocument) SubroutineList {
	sl := SubroutineList{Ordered: sd.Ordered, Items: make([]SubroutineRef, 0, len(sd.Items))}
	seen := map[string]bool{}
	indexes := map[int]bool{}
	for i, it := range sd.Items {
		itemField := fmt.Sprintf("%s.items[%d]", field, i)
		v.Required(itemField+".id", it.ID)
		v.Unique(itemField+".id", it.ID, seen)
		v.Check(it.CreditEstimate >= 0, itemField+".creditEstimate", "must not be negative")
		if sd.Ordered {
			v.Check(!indexes[it.Index], itemField+".index", fmt.Sprintf("duplicate index %d", it.Index))
			indexes[it.Index] = true
		}
		sl.Items = append(sl.Items, SubroutineRef{
			ID:               it.ID,
			RoutineVersionID: it.RoutineVersionID,
			Index:            it.Index,
			IsOptional:       it.IsOptional,
			Target:           it.Target,
			CreditEstimate:   it.CreditEstimate,
			Complexity:       it.Complexity,
		})
	}
	if sl.Ordered {
		sort.SliceStable(sl.Items, func(i, j int) bool { return sl.Items[i].Index < sl.Items[j].Index })
	}
	return sl
}

func buildLink(v *validation.Validator, field string, ld LinkDocument) Link {
	link := Link{
		ID:         LinkID(ld.ID),
		From:       NodeID(ld.From),
		To:         NodeID(ld.To),
		IsFallback: ld.IsFallback,
	}
	for j, wd := range ld.Whens {
		v.Required(fmt.Sprintf("%s.whens[%d].condition", field, j), wd.Condition)
		link.Whens = append(link.Whens, When{
			ID:        wd.ID,
			Condition: Condition{Expression: wd.Condition, Required: wd.Required},
		})
	}
	return link
}
