package bootstrap

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kbukum/runkit/component"
)

// Summary prints what a process started with.
type Summary struct {
	serviceName     string
	version         string
	startupDuration time.Duration
	out             io.Writer
}

// NewSummary creates a summary that writes to out.
func NewSummary(serviceName, version string, out io.Writer) *Summary {
	return &Summary{serviceName: serviceName, version: version, out: out}
}

// SetStartupDuration records the total startup time.
func (s *Summary) SetStartupDuration(d time.Duration) {
	s.startupDuration = d
}

// Display writes the component list with live health from registry.
func (s *Summary) Display(ctx context.Context, registry *component.Registry) {
	w := s.out
	fmt.Fprintf(w, "\n%s v%s started in %.2fs\n", s.serviceName, s.version, s.startupDuration.Seconds())
	if registry == nil {
		return
	}

	descs := registry.Describe()
	health := registry.HealthAll(ctx)
	if len(descs) == 0 {
		fmt.Fprintf(w, "   └── No components registered\n\n")
		return
	}

	healthy := 0
	fmt.Fprintf(w, "\nComponents\n")
	for i, d := range descs {
		prefix := "├──"
		if i == len(descs)-1 {
			prefix = "└──"
		}
		h := component.Health{Status: component.StatusUnhealthy}
		if i < len(health) {
			h = health[i]
		}
		if h.Status == component.StatusHealthy {
			healthy++
		}
		line := fmt.Sprintf("   %s [%s] %s", prefix, strings.ToLower(string(h.Status)), d.Name)
		if d.Type != "" {
			line += " (" + d.Type + ")"
		}
		if d.Details != "" {
			line += ": " + d.Details
		}
		if h.Message != "" {
			line += " - " + h.Message
		}
		fmt.Fprintln(w, line)
	}

	if healthy == len(descs) {
		fmt.Fprintf(w, "\nAll components healthy (%d/%d)\n\n", healthy, len(descs))
		return
	}
	fmt.Fprintf(w, "\nSome components have issues (%d/%d healthy)\n\n", healthy, len(descs))
}
