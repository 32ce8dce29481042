// Package pathselect decides which outgoing link(s) a branch follows after
// a node completes.
package pathselect

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/graph"
)

// Strategy names a path selection policy.
type Strategy string

const (
	AutoPickFirst  Strategy = "AutoPickFirst"
	AutoPickRandom Strategy = "AutoPickRandom"
	AutoPickLLM    Strategy = "AutoPickLLM"
	ManualPick     Strategy = "ManualPick"
)

// Strategies lists the valid strategies.
var Strategies = []string{string(AutoPickFirst), string(AutoPickRandom), string(AutoPickLLM), string(ManualPick)}

// ParseStrategy returns the strategy named s.
func ParseStrategy(s string) (Strategy, bool) {
	for _, v := range Strategies {
		if v == s {
			return Strategy(s), true
		}
	}
	return "", false
}

// Outcome is what the branch should do next.
type Outcome int

const (
	// Proceed follows Decision.Links.
	Proceed Outcome = iota
	// Wait suspends the branch until the node can be re-evaluated.
	Wait
	// Fail ends the branch.
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Wait:
		return "wait"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// DecideFunc chooses one link among candidates, typically by asking a model.
type DecideFunc func(ctx context.Context, node *graph.Node, candidates []graph.Link) (graph.LinkID, error)

// Request describes one selection.
type Request struct {
	Node *graph.Node
	// Outgoing is every link leaving Node, in declaration order.
	Outgoing []graph.Link
	// Satisfied is the subset of Outgoing whose whens all hold.
	Satisfied []graph.Link
	// Choice is a manual pick supplied by a user, if any.
	Choice graph.LinkID
}

// Decision is the result of a selection.
type Decision struct {
	Outcome Outcome
	Links   []graph.Link
	// Candidates is set when waiting for a manual choice.
	Candidates   []graph.Link
	UsedFallback bool
	Reason       string
}

// Selector applies a Strategy. With FanOut set, automatic strategies
// follow every satisfied link and the branch forks.
type Selector struct {
	Strategy Strategy
	FanOut   bool
	Decide   DecideFunc

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a selector. rnd may be nil, in which case a randomly seeded
// source is used.
func New(strategy Strategy, rnd *rand.Rand) *Selector {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Selector{Strategy: strategy, rnd: rnd}
}

// Select resolves req. When no regular link is satisfied, a fallback link
// is taken if one exists; otherwise decision nodes and nodes marked
// WaitOnNoMatch wait, and every other node fails.
func (s *Selector) Select(ctx context.Context, req Request) (Decision, error) {
	var regular []graph.Link
	for _, l := range req.Satisfied {
		if !l.IsFallback {
			regular = append(regular, l)
		}
	}

	if len(regular) == 0 {
		return noMatch(req), nil
	}

	switch s.Strategy {
	case ManualPick:
		for _, l := range regular {
			if l.ID == req.Choice {
				return Decision{Outcome: Proceed, Links: []graph.Link{l}, Reason: "manual choice"}, nil
			}
		}
		reason := "awaiting manual choice"
		if req.Choice != "" {
			reason = fmt.Sprintf("manual choice %q is not a satisfied link", req.Choice)
		}
		return Decision{Outcome: Wait, Candidates: regular, Reason: reason}, nil
	case AutoPickFirst, "":
		if s.FanOut {
			return Decision{Outcome: Proceed, Links: regular, Reason: "fan-out"}, nil
		}
		return Decision{Outcome: Proceed, Links: regular[:1], Reason: "first satisfied"}, nil
	case AutoPickRandom:
		if s.FanOut {
			return Decision{Outcome: Proceed, Links: regular, Reason: "fan-out"}, nil
		}
		return Decision{Outcome: Proceed, Links: []graph.Link{regular[s.intn(len(regular))]}, Reason: "random"}, nil
	case AutoPickLLM:
		if s.FanOut {
			return Decision{Outcome: Proceed, Links: regular, Reason: "fan-out"}, nil
		}
		return s.decide(ctx, req.Node, regular)
	}
	return Decision{}, errors.InvalidInput("pathSelection", fmt.Sprintf("unknown strategy %q", s.Strategy))
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s.rnd.IntN(n)
}

func (s *Selector) decide(ctx context.Context, node *graph.Node, candidates []graph.Link) (Decision, error) {
	if s.Decide == nil {
		return Decision{}, errors.InvalidInput("decide", "AutoPickLLM requires a decision function")
	}
	// Nothing to ask about.
	if len(candidates) == 1 {
		return Decision{Outcome: Proceed, Links: candidates, Reason: "single candidate"}, nil
	}
	id, err := s.Decide(ctx, node, candidates)
	if err != nil {
		return Decision{}, err
	}
	for _, l := range candidates {
		if l.ID == id {
			return Decision{Outcome: Proceed, Links: []graph.Link{l}, Reason: "model choice"}, nil
		}
	}
	return Decision{}, errors.ExternalServiceError("path-decider", fmt.Errorf("chose unknown link %q", id)).
		WithDetail("link_id", string(id))
}

func noMatch(req Request) Decision {
	for _, l := range req.Outgoing {
		if l.IsFallback {
			return Decision{Outcome: Proceed, Links: []graph.Link{l}, UsedFallback: true, Reason: "fallback"}
		}
	}
	if req.Node != nil && (req.Node.Kind() == graph.KindDecision || req.Node.WaitOnNoMatch) {
		return Decision{Outcome: Wait, Reason: "no satisfied link; waiting for context change"}
	}
	return Decision{Outcome: Fail, Reason: "no satisfied link and no fallback"}
}
