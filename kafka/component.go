package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbukum/runkit/component"
	"github.com/kbukum/runkit/logger"
)

// ProducerCloser is satisfied by any producer that can be closed.
type ProducerCloser interface {
	Close() error
}

// Component owns an injected producer and checks broker reachability.
type Component struct {
	cfg      Config
	log      *logger.Logger
	producer ProducerCloser
	mu       sync.Mutex
	running  bool
}

var _ component.Component = (*Component)(nil)

// NewComponent creates a Kafka component.
func NewComponent(cfg Config, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	return &Component{cfg: cfg, log: logger.OrNop(log).WithComponent("kafka")}
}

// SetProducer injects the producer closed by Stop.
func (c *Component) SetProducer(p ProducerCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producer = p
}

// Name implements component.Component.
func (c *Component) Name() string { return "kafka" }

// Start marks the component running. The producer dials lazily.
func (c *Component) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("kafka config: %w", err)
	}
	c.running = true
	c.log.Info("Kafka component started", logger.Fields("brokers", c.cfg.Brokers))
	return nil
}

// Stop closes the producer, flushing buffered messages.
func (c *Component) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.log.Info("Kafka component stopping")
	c.running = false
	if c.producer == nil {
		return nil
	}
	err := c.producer.Close()
	c.producer = nil
	return err
}

// Health dials the first broker and reads cluster metadata.
func (c *Component) Health(ctx context.Context) component.Health {
	c.mu.Lock()
	running, cfg := c.running, c.cfg
	c.mu.Unlock()

	h := component.Health{Name: c.Name(), Status: component.StatusHealthy}
	if !running {
		h.Status, h.Message = component.StatusUnhealthy, "kafka not started"
		return h
	}
	dialer, err := CreateDialer(&cfg)
	if err != nil {
		h.Status, h.Message = component.StatusUnhealthy, fmt.Sprintf("dialer: %v", err)
		return h
	}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		h.Status, h.Message = component.StatusUnhealthy, fmt.Sprintf("broker unreachable: %v", err)
		return h
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		h.Status, h.Message = component.StatusDegraded, fmt.Sprintf("broker metadata: %v", err)
	}
	return h
}

// Describe implements component.Describable.
func (c *Component) Describe() component.Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	details := fmt.Sprintf("brokers=%v compression=%s", c.cfg.Brokers, c.cfg.Compression)
	if c.producer != nil {
		details += " producer=yes"
	}
	return component.Description{Name: "Kafka", Type: "kafka", Details: details}
}
