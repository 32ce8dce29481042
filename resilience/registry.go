package resilience

import "sync"

// Registry holds one circuit breaker per target.
type Registry struct {
	defaults  CircuitBreakerConfig
	overrides map[string]CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry. defaults is applied to every target without
// an override; Name is always set to the target.
func NewRegistry(defaults CircuitBreakerConfig, overrides map[string]CircuitBreakerConfig) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for target, creating it on first use.
func (r *Registry) Get(target string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[target]; ok {
		return cb
	}
	cfg := r.defaults
	if o, ok := r.overrides[target]; ok {
		if o.FailureThreshold > 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.CoolDown > 0 {
			cfg.CoolDown = o.CoolDown
		}
	}
	cfg.Name = target
	cb := NewCircuitBreaker(cfg)
	r.breakers[target] = cb
	return cb
}

// States returns a snapshot of every known breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, cb := range list {
		out[cb.Name()] = cb.State()
	}
	return out
}
