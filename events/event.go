package events

import (
	"context"
	"strings"
	"time"
)

// Topics published by the engine.
const (
	TopicIterationMetrics = "execution.metrics.iteration"
	TopicRunStatus        = "run.status"
	TopicRunProgress      = "run.progress"
	TopicRunFatal         = "run.fatal"
	TopicBranchStatus     = "branch.status"
	TopicJobStatus        = "taskqueue.job.status"
)

// Event is a published message.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Handler receives events matching a subscription.
type Handler func(ctx context.Context, e Event)

// Bus publishes events and routes them to subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, data map[string]any) error
	// Subscribe registers h for topics matching pattern and returns a
	// function that removes the subscription.
	Subscribe(pattern string, h Handler) func()
}

// Publisher is the publish half of Bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, data map[string]any) error
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == "#" {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	for i, p := range ps {
		if p == "#" && i == len(ps)-1 {
			return len(ts) >= i
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}

// Publish sends an event on p when p is non-nil.
func Publish(ctx context.Context, p Publisher, topic string, data map[string]any) {
	if p == nil {
		return
	}
	_ = p.Publish(ctx, topic, data)
}
