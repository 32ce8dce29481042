package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kbukum/runkit/logger"
	"github.com/kbukum/runkit/pipeline"
)

// Sink receives forwarded events. kafka/producer.KafkaPublisher satisfies it.
type Sink interface {
	PublishJSON(ctx context.Context, topic string, key string, data interface{}) error
}

// DefaultForwarderQueueSize bounds the events waiting for the sink.
const DefaultForwarderQueueSize = 1024

// ForwarderConfig maps bus patterns to sink topics.
type ForwarderConfig struct {
	// Patterns are the bus subscriptions to forward.
	Patterns []string `yaml:"patterns" mapstructure:"patterns"`
	// Topics maps an event topic to a sink topic. Unmapped events go to
	// DefaultTopic, or keep their own topic when DefaultTopic is empty.
	Topics       map[string]string `yaml:"topics" mapstructure:"topics"`
	DefaultTopic string            `yaml:"default_topic" mapstructure:"default_topic"`
	// QueueSize bounds the events waiting for the sink. Events published
	// while the queue is full are dropped.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// KafkaForwarder relays bus events to a Sink, keyed by run_id when present.
// Publishers never wait on the sink: events are queued and sent by a single
// worker.
type KafkaForwarder struct {
	bus  Bus
	sink Sink
	cfg  ForwarderConfig
	log  *logger.Logger

	mu     sync.Mutex
	unsubs []func()
	queue  chan Event
	done   chan struct{}

	failed  atomic.Int64
	dropped atomic.Int64
}

// NewKafkaForwarder creates a forwarder. Call Start to subscribe.
func NewKafkaForwarder(bus Bus, sink Sink, cfg ForwarderConfig, log *logger.Logger) *KafkaForwarder {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"#"}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultForwarderQueueSize
	}
	return &KafkaForwarder{bus: bus, sink: sink, cfg: cfg, log: logger.OrNop(log).WithComponent("event-forwarder")}
}

// Start starts the send worker and subscribes to the configured patterns.
func (f *KafkaForwarder) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue != nil {
		return nil
	}
	f.queue = make(chan Event, f.cfg.QueueSize)
	f.done = make(chan struct{})
	go func(queue <-chan Event, done chan<- struct{}) {
		defer close(done)
		_ = pipeline.Drain(pipeline.FromChannel(queue), func(ctx context.Context, e Event) error {
			f.send(ctx, e)
			return nil
		}).Run(context.Background())
	}(f.queue, f.done)

	for _, p := range f.cfg.Patterns {
		f.unsubs = append(f.unsubs, f.bus.Subscribe(p, f.enqueue))
	}
	f.log.Info("event forwarding started", logger.Fields("patterns", f.cfg.Patterns, "queue_size", f.cfg.QueueSize))
	return nil
}

// Stop removes all subscriptions and waits until the queued events are
// sent or ctx ends.
func (f *KafkaForwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	unsubs := f.unsubs
	f.unsubs = nil
	f.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	f.mu.Lock()
	queue, done := f.queue, f.done
	f.queue, f.done = nil, nil
	if queue != nil {
		close(queue)
	}
	f.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed returns the number of events the sink rejected.
func (f *KafkaForwarder) Failed() int64 {
	return f.failed.Load()
}

// Dropped returns the number of events discarded because the queue was full.
func (f *KafkaForwarder) Dropped() int64 {
	return f.dropped.Load()
}

func (f *KafkaForwarder) enqueue(_ context.Context, e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue == nil {
		return
	}
	select {
	case f.queue <- e:
	default:
		if f.dropped.Add(1) == 1 {
			f.log.Warn("event queue full; dropping events", logger.Fields(logger.FieldTopic, e.Topic))
		}
	}
}

func (f *KafkaForwarder) send(ctx context.Context, e Event) {
	topic := f.topicFor(e.Topic)
	key, _ := e.Data[logger.FieldRunID].(string)
	if key == "" {
		key = e.ID
	}
	if err := f.sink.PublishJSON(ctx, topic, key, e); err != nil {
		f.failed.Add(1)
		f.log.WithError(err).Warn("failed to forward event", logger.Fields(logger.FieldTopic, e.Topic))
	}
}
func (f *KafkaForwarder) topicFor(eventTopic string) string {
	if t, ok := f.cfg.Topics[eventTopic]; ok {
		return t
	}
	if f.cfg.DefaultTopic != "" {
		return f.cfg.DefaultTopic
	}
	return eventTopic
}
