package resilience

import (
	"sync"
	"time"

	"github.com/kbukum/runkit/errors"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows requests to pass through.
	StateClosed State = iota
	// StateOpen rejects requests with CIRCUIT_OPEN.
	StateOpen
	// StateHalfOpen admits a single probe.
	StateHalfOpen
)

// String returns the state name used in event topics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "opened"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the protected target.
	Name string `yaml:"-" mapstructure:"-"`
	// FailureThreshold is the number of consecutive retryable failures that
	// opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	// CoolDown is how long the circuit stays open before admitting a probe.
	CoolDown time.Duration `yaml:"cool_down" mapstructure:"cool_down"`
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State) `yaml:"-" mapstructure:"-"`
	// Clock overrides time.Now.
	Clock func() time.Time `yaml:"-" mapstructure:"-"`
}

// DefaultCircuitBreakerConfig returns the engine defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// CircuitBreaker fails fast for a target that keeps failing.
//
// States:
//   - Closed: calls pass through; consecutive retryable failures are counted
//   - Open: calls fail immediately with CIRCUIT_OPEN until the cool-down ends
//   - Half-Open: exactly one probe is admitted; success closes, a retryable
//     failure reopens
//
// Non-retryable failures never move the counter.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// Name returns the protected target.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Execute runs fn through the breaker. A rejected call returns CIRCUIT_OPEN
// without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.allowRequest()
	if !ok {
		return errors.CircuitOpen(cb.config.Name)
	}
	err := fn()
	cb.recordResult(probe, err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	state, change := cb.currentState()
	cb.mu.Unlock()
	cb.notify(change)
	return state
}

// Failures returns the consecutive retryable failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.toState(StateClosed)
	cb.mu.Unlock()
	cb.notify(change)
}

type transition struct {
	from, to State
	changed  bool
}

func (cb *CircuitBreaker) allowRequest() (probe, ok bool) {
	cb.mu.Lock()
	state, change := cb.currentState()
	switch state {
	case StateClosed:
		ok = true
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			probe, ok = true, true
		}
	}
	cb.mu.Unlock()
	cb.notify(change)
	return probe, ok
}

func (cb *CircuitBreaker) recordResult(probe bool, err error) {
	class := Classify(err)

	cb.mu.Lock()
	var change transition
	switch {
	case err == nil:
		cb.failures = 0
		if probe {
			change = cb.toState(StateClosed)
		}
	case class.Retryable:
		cb.failures++
		if probe || cb.failures >= cb.config.FailureThreshold {
			change = cb.toState(StateOpen)
		}
	default:
		if probe {
			cb.probing = false
		}
	}
	cb.mu.Unlock()
	cb.notify(change)
}

// currentState applies the open -> half-open cool-down transition.
func (cb *CircuitBreaker) currentState() (State, transition) {
	if cb.state == StateOpen && cb.config.Clock().Sub(cb.openedAt) >= cb.config.CoolDown {
		return StateHalfOpen, cb.toState(StateHalfOpen)
	}
	return cb.state, transition{}
}

func (cb *CircuitBreaker) toState(to State) transition {
	if cb.state == to {
		return transition{}
	}
	from := cb.state
	cb.state = to
	cb.probing = false
	switch to {
	case StateClosed:
		cb.failures = 0
	case StateOpen:
		cb.openedAt = cb.config.Clock()
	}
	return transition{from: from, to: to, changed: true}
}

func (cb *CircuitBreaker) notify(t transition) {
	if t.changed && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, t.from, t.to)
	}
}
