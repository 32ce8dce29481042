package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/runkit/logger"
)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// MemoryBus delivers events synchronously to matching subscribers.
// Handler panics are recovered and logged; they never reach the publisher.
type MemoryBus struct {
	source string
	log    *logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscription
}

// NewMemoryBus creates a bus that stamps events with source.
func NewMemoryBus(source string, log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		source: source,
		log:    logger.OrNop(log).WithComponent("events"),
		now:    time.Now,
		subs:   make(map[uint64]subscription),
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data map[string]any) error {
	if topic == "" {
		return fmt.Errorf("events: empty topic")
	}
	if data == nil {
		data = map[string]any{}
	}
	e := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Source:    b.source,
		Timestamp: b.now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, s := range matched {
		b.deliver(ctx, s, e)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", logger.Fields(
				logger.FieldTopic, e.Topic,
				"pattern", s.pattern,
				"panic", fmt.Sprint(r),
			))
		}
	}()
	s.handler(ctx, e)
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(pattern string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{id: id, pattern: pattern, handler: h}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
