package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"run.status", "run.status", true},
		{"run.status", "run.progress", false},
		{"execution.metrics.*", "execution.metrics.iteration", true},
		{"execution.metrics.*", "execution.metrics", false},
		{"execution.*", "execution.metrics.iteration", false},
		{"execution.#", "execution.metrics.iteration", true},
		{"circuit_breaker.*.opened", "circuit_breaker.llm.opened", true},
		{"circuit_breaker.*.opened", "circuit_breaker.llm.closed", false},
		{"#", "anything.at.all", true},
		{"", "run.status", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			if got := Match(tt.pattern, tt.topic); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
			}
		})
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus("test", nil)
	var got []Event
	unsub := bus.Subscribe("run.*", func(_ context.Context, e Event) {
		got = append(got, e)
	})

	if err := bus.Publish(context.Background(), "run.status", map[string]any{"run_id": "r1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), "branch.status", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Source != "test" || got[0].ID == "" || got[0].Data["run_id"] != "r1" {
		t.Errorf("unexpected event %+v", got[0])
	}

	unsub()
	unsub()
	_ = bus.Publish(context.Background(), "run.status", nil)
	if len(got) != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d", len(got))
	}
	if bus.Subscribers() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.Subscribers())
	}
}

func TestMemoryBus_HandlerPanicRecovered(t *testing.T) {
	bus := NewMemoryBus("test", nil)
	var delivered bool
	bus.Subscribe("x", func(context.Context, Event) { panic("boom") })
	bus.Subscribe("x", func(context.Context, Event) { delivered = true })

	if err := bus.Publish(context.Background(), "x", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !delivered {
		t.Error("expected later subscriber to still receive the event")
	}
}

func TestMemoryBus_EmptyTopic(t *testing.T) {
	if err := NewMemoryBus("t", nil).Publish(context.Background(), "", nil); err == nil {
		t.Error("expected error for empty topic")
	}
}

type fakeSink struct {
	mu   sync.Mutex
	sent map[string][]string
	err  error
}

func (s *fakeSink) PublishJSON(_ context.Context, topic, key string, _ interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.sent == nil {
		s.sent = map[string][]string{}
	}
	s.sent[topic] = append(s.sent[topic], key)
	return nil
}

func TestKafkaForwarder(t *testing.T) {
	bus := NewMemoryBus("test", nil)
	sink := &fakeSink{}
	f := NewKafkaForwarder(bus, sink, ForwarderConfig{
		Patterns:     []string{"run.*"},
		Topics:       map[string]string{"run.fatal": "runkit.alerts"},
		DefaultTopic: "runkit.runs",
	}, nil)
	ctx := context.Background()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = bus.Publish(ctx, "run.status", map[string]any{"run_id": "r1"})
	_ = bus.Publish(ctx, "run.fatal", map[string]any{"run_id": "r2"})
	_ = bus.Publish(ctx, "branch.status", map[string]any{"run_id": "r3"})
	if err := f.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := sink.sent["runkit.runs"]; len(got) != 1 || got[0] != "r1" {
		t.Errorf("expected r1 on runkit.runs, got %v", got)
	}
	if got := sink.sent["runkit.alerts"]; len(got) != 1 || got[0] != "r2" {
		t.Errorf("expected r2 on runkit.alerts, got %v", got)
	}

	_ = bus.Publish(ctx, "run.status", map[string]any{"run_id": "r4"})
	if len(sink.sent["runkit.runs"]) != 1 {
		t.Error("expected no forwarding after stop")
	}
}

func TestKafkaForwarder_CountsFailures(t *testing.T) {
	bus := NewMemoryBus("test", nil)
	f := NewKafkaForwarder(bus, &fakeSink{err: errors.New("broker not available")}, ForwarderConfig{}, nil)
	_ = f.Start(context.Background())
	_ = bus.Publish(context.Background(), "run.status", nil)
	_ = f.Stop(context.Background())
	if f.Failed() != 1 {
		t.Errorf("expected 1 failure, got %d", f.Failed())
	}
}

type slowSink struct {
	delay time.Duration
	sent  atomic.Int64
}

func (s *slowSink) PublishJSON(ctx context.Context, _, _ string, _ interface{}) error {
	select {
	case <-time.After(s.delay):
		s.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestKafkaForwarder_PublishDoesNotWaitForSink(t *testing.T) {
	bus := NewMemoryBus("test", nil)
	sink := &slowSink{delay: 100 * time.Millisecond}
	f := NewKafkaForwarder(bus, sink, ForwarderConfig{}, nil)
	ctx := context.Background()
	_ = f.Start(ctx)

	start := time.Now()
	for i := 0; i < 5; i++ {
		_ = bus.Publish(ctx, "run.status", map[string]any{"run_id": "r1"})
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("publishing 5 events took %s; it should not wait for the sink", elapsed)
	}

	if err := f.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := sink.sent.Load(); got != 5 {
		t.Errorf("expected stop to flush 5 events, got %d", got)
	}
}

func TestKafkaForwarder_DropsWhenQueueFull(t *testing.T) {
	bus := NewMemoryBus("test", nil)
	sink := &slowSink{delay: 50 * time.Millisecond}
	f := NewKafkaForwarder(bus, sink, ForwarderConfig{QueueSize: 1}, nil)
	ctx := context.Background()
	_ = f.Start(ctx)

	for i := 0; i < 10; i++ {
		_ = bus.Publish(ctx, "run.status", nil)
	}
	_ = f.Stop(ctx)

	if f.Dropped() == 0 {
		t.Error("expected dropped events with a full queue")
	}
	if sent := sink.sent.Load(); sent+f.Dropped() != 10 {
		t.Errorf("expected sent + dropped = 10, got %d + %d", sent, f.Dropped())
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	_ = r.Publish(context.Background(), "execution.metrics.iteration", map[string]any{"iteration": 1})
	_ = r.Publish(context.Background(), "run.status", nil)
	if got := r.Events("execution.metrics.*"); len(got) != 1 {
		t.Errorf("expected 1 metrics event, got %d", len(got))
	}
	if got := r.Events("#"); len(got) != 2 {
		t.Errorf("expected 2 events, got %d", len(got))
	}
}
