package events

import (
	"context"
	"sync"
)

// Recorder is a Bus that keeps every published event in memory.
type Recorder struct {
	*MemoryBus

	mu     sync.Mutex
	events []Event
}

// NewRecorder creates a recording bus.
func NewRecorder() *Recorder {
	r := &Recorder{MemoryBus: NewMemoryBus("recorder", nil)}
	r.MemoryBus.Subscribe("#", func(_ context.Context, e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

// Events returns the recorded events matching pattern, in publish order.
func (r *Recorder) Events(pattern string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if Match(pattern, e.Topic) {
			out = append(out, e)
		}
	}
	return out
}
