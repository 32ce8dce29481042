package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/logger"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	Breaker    CircuitBreakerConfig            `yaml:"breaker" mapstructure:"breaker"`
	Targets    map[string]CircuitBreakerConfig `yaml:"targets" mapstructure:"targets"`
	Retry      RetryConfig                     `yaml:"retry" mapstructure:"retry"`
	RateLimits map[string]RateLimiterConfig    `yaml:"rate_limits" mapstructure:"rate_limits"`
}

// ApplyDefaults fills unset values.
func (c *GuardConfig) ApplyDefaults() {
	d := DefaultCircuitBreakerConfig("")
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = d.FailureThreshold
	}
	if c.Breaker.CoolDown <= 0 {
		c.Breaker.CoolDown = d.CoolDown
	}
	c.Retry.applyDefaults()
}

// StateObserver is notified of breaker transitions.
type StateObserver func(ctx context.Context, target string, from, to State)

// Guard wraps calls to external targets with a breaker, retries and an
// optional rate limit, and publishes breaker and failure events.
type Guard struct {
	registry *Registry
	retry    RetryConfig
	bus      events.Publisher
	log      *logger.Logger

	mu        sync.Mutex
	limiters  map[string]*RateLimiter
	limits    map[string]RateLimiterConfig
	observers []StateObserver
}

// NewGuard creates a Guard. bus may be nil.
func NewGuard(cfg GuardConfig, bus events.Publisher, log *logger.Logger) *Guard {
	cfg.ApplyDefaults()
	g := &Guard{
		retry:    cfg.Retry,
		bus:      bus,
		log:      logger.OrNop(log).WithComponent("resilience"),
		limiters: make(map[string]*RateLimiter),
		limits:   cfg.RateLimits,
	}
	breaker := cfg.Breaker
	breaker.OnStateChange = g.onStateChange
	g.registry = NewRegistry(breaker, cfg.Targets)
	return g
}

// Observe registers fn for breaker transitions.
func (g *Guard) Observe(fn StateObserver) {
	g.mu.Lock()
	g.observers = append(g.observers, fn)
	g.mu.Unlock()
}

// Registry returns the breaker registry.
func (g *Guard) Registry() *Registry { return g.registry }

// Call runs fn for target. Retryable failures are retried while the breaker
// admits calls; a rejected call returns CIRCUIT_OPEN. An empty target skips
// the breaker and the limiter.
func (g *Guard) Call(ctx context.Context, target string, fn func(context.Context) error) error {
	if target == "" {
		return fn(ctx)
	}
	cb := g.registry.Get(target)
	limiter := g.limiter(target)

	return RetryFunc(ctx, g.retry, func() error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		start := time.Now()
		err := cb.Execute(func() error { return fn(ctx) })
		if err != nil && !errors.HasCode(err, errors.ErrCodeCircuitOpen) {
			g.onFailure(ctx, target, err, time.Since(start))
		}
		return err
	})
}

func (g *Guard) limiter(target string) *RateLimiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[target]; ok {
		return l
	}
	cfg, ok := g.limits[target]
	if !ok {
		return nil
	}
	l := NewRateLimiter(target, cfg)
	g.limiters[target] = l
	return l
}

func (g *Guard) onFailure(ctx context.Context, target string, err error, took time.Duration) {
	class := Classify(err)
	if class.Category == CategoryCancelled {
		return
	}
	events.Publish(ctx, g.bus, "resilience."+target+".failure", map[string]any{
		logger.FieldTarget: target,
		"retryable":        class.Retryable,
		"fatal":            class.Fatal,
		"severity":         string(class.Severity),
		"category":         string(class.Category),
		"error":            err.Error(),
		"duration_ms":      took.Milliseconds(),
	})
}

func (g *Guard) onStateChange(target string, from, to State) {
	ctx := context.Background()
	g.log.Warn("circuit breaker state changed", logger.Fields(
		logger.FieldTarget, target,
		"from", from.String(),
		"to", to.String(),
	))
	events.Publish(ctx, g.bus, "circuit_breaker."+target+"."+to.String(), map[string]any{
		logger.FieldTarget: target,
		"from":             from.String(),
		"to":               to.String(),
	})

	g.mu.Lock()
	observers := append([]StateObserver(nil), g.observers...)
	g.mu.Unlock()
	for _, fn := range observers {
		fn(ctx, target, from, to)
	}
}
