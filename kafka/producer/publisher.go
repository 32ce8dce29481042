package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/kafka"
	"github.com/kbukum/runkit/logger"
)

// Publisher publishes envelopes and JSON payloads to Kafka.
type Publisher interface {
	Publish(ctx context.Context, topic string, event kafka.Event, key ...string) error
	PublishJSON(ctx context.Context, topic string, key string, data any) error
	Close() error
}

// KafkaPublisher implements Publisher over a Producer. It satisfies
// events.Sink.
type KafkaPublisher struct {
	producer *Producer
	source   string
	log      *logger.Logger
	now      func() time.Time
}

var (
	_ Publisher   = (*KafkaPublisher)(nil)
	_ events.Sink = (*KafkaPublisher)(nil)
)

// NewPublisher creates a KafkaPublisher. source fills the envelope's Source
// when the payload carries none.
func NewPublisher(producer *Producer, source string, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		source:   source,
		log:      logger.OrNop(log).WithComponent("kafka.publisher"),
		now:      time.Now,
	}
}

// Publish writes event to topic. The partition key is the event Subject,
// then the given key, then the event ID.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, event kafka.Event, key ...string) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafkago.Message{
		Topic: topic,
		Key:   []byte(determineKey(event, key)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event-id", Value: []byte(event.ID)},
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-source", Value: []byte(event.Source)},
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: event.Timestamp,
	}
	if err := p.producer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// PublishJSON wraps data in an envelope and publishes it under key. Bus
// events keep their id, topic (as Type), source and timestamp; any other
// value is JSON-encoded into Data.
func (p *KafkaPublisher) PublishJSON(ctx context.Context, topic string, key string, data any) error {
	var env kafka.Event
	switch v := data.(type) {
	case events.Event:
		env = p.envelope(v.ID, v.Topic, v.Source, v.Timestamp, v.Data)
	case *events.Event:
		env = p.envelope(v.ID, v.Topic, v.Source, v.Timestamp, v.Data)
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			fields = map[string]any{"payload": data}
		}
		env = p.envelope("", "kafka.message", "", time.Time{}, fields)
	}
	env.Subject = key
	return p.Publish(ctx, topic, env, key)
}

// Close shuts down the underlying producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

func (p *KafkaPublisher) envelope(id, typ, source string, ts time.Time, data map[string]any) kafka.Event {
	if id == "" {
		id = uuid.NewString()
	}
	if source == "" {
		source = p.source
	}
	if ts.IsZero() {
		ts = p.now()
	}
	return kafka.Event{
		ID:          id,
		Type:        typ,
		Source:      source,
		ContentType: "application/json",
		Version:     kafka.EnvelopeVersion,
		Timestamp:   ts,
		Data:        data,
	}
}

func determineKey(event kafka.Event, keys []string) string {
	if event.Subject != "" {
		return event.Subject
	}
	if len(keys) > 0 && keys[0] != "" {
		return keys[0]
	}
	return event.ID
}
