// Package producer writes engine events to Kafka.
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/runkit/kafka"
	"github.com/kbukum/runkit/logger"
	"github.com/kbukum/runkit/resilience"
)

// MessageWriter is the part of *kafkago.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Stats() kafkago.WriterStats
	Close() error
}

// Producer wraps a kafka-go Writer with TLS/SASL, retries and engine logging.
type Producer struct {
	writer MessageWriter
	cfg    kafka.Config
	log    *logger.Logger
	mu     sync.RWMutex
	closed bool
}

// NewProducer creates a Producer whose writer is built on first use, so a
// broker that is down at startup does not fail the process.
func NewProducer(cfg kafka.Config, log *logger.Logger) (*Producer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer config: %w", err)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("kafka is disabled")
	}
	return &Producer{cfg: cfg, log: logger.OrNop(log).WithComponent("kafka.producer")}, nil
}

// NewProducerWithWriter creates a Producer over an existing writer.
func NewProducerWithWriter(cfg kafka.Config, w MessageWriter, log *logger.Logger) *Producer {
	cfg.ApplyDefaults()
	return &Producer{writer: w, cfg: cfg, log: logger.OrNop(log).WithComponent("kafka.producer")}
}

func (p *Producer) ensureWriter() (MessageWriter, error) {
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w != nil {
		return w, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		return p.writer, nil
	}
	transport, err := kafka.CreateTransport(&p.cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer transport: %w", err)
	}
	p.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(p.cfg.Brokers...),
		Transport:    transport,
		Balancer:     &kafkago.Hash{},
		BatchSize:    p.cfg.BatchSize,
		BatchTimeout: p.cfg.BatchTimeout,
		RequiredAcks: kafkago.RequiredAcks(p.cfg.RequiredAcks),
		Compression:  kafka.ResolveCompression(p.cfg.Compression),
		WriteTimeout: p.cfg.WriteTimeout,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...any) {
			p.log.Error("writer: "+fmt.Sprintf(msg, args...))
		}),
	}
	p.log.Info("Kafka producer initialized", logger.Fields(
		"brokers", p.cfg.Brokers,
		"compression", p.cfg.Compression,
		"batch_size", p.cfg.BatchSize,
	))
	return p.writer, nil
}

// WriteMessages sends msgs, retrying retryable failures up to cfg.Retries
// attempts. Errors are AppErrors from kafka.FromKafka.
func (p *Producer) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("producer is closed")
	}
	w, err := p.ensureWriter()
	if err != nil {
		return err
	}

	retry := resilience.RetryConfig{
		MaxAttempts:    p.cfg.Retries,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
		RetryIf:        kafka.IsRetryableError,
	}
	err = resilience.RetryFunc(ctx, retry, func() error {
		return w.WriteMessages(ctx, msgs...)
	})
	if err != nil {
		topic := ""
		if len(msgs) > 0 {
			topic = msgs[0].Topic
		}
		return kafka.FromKafka(err, topic)
	}
	return nil
}

// Stats returns writer statistics.
func (p *Producer) Stats() kafka.WriterMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.writer == nil {
		return kafka.WriterMetrics{}
	}
	return kafka.CollectWriterMetrics(p.writer.Stats())
}

// Close flushes and shuts down the producer. Safe to call multiple times.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.log.Info("Kafka producer closing")
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
