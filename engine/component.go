package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbukum/runkit/component"
	"github.com/kbukum/runkit/logger"
)

// DepsFunc assembles an Engine's dependencies once the components it relies
// on have started.
type DepsFunc func(ctx context.Context) (Deps, error)

// Component manages an Engine's lifecycle in a component.Registry. Register
// it after the store, queue and kafka components its DepsFunc reads from.
type Component struct {
	cfg   Config
	build DepsFunc
	log   *logger.Logger

	mu     sync.RWMutex
	engine *Engine
}

var _ component.Component = (*Component)(nil)

// NewComponent creates an engine component.
func NewComponent(cfg Config, build DepsFunc, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	return &Component{cfg: cfg, build: build, log: logger.OrNop(log).WithComponent("engine")}
}

// Engine returns the started engine, or nil before Start.
func (c *Component) Engine() *Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Name implements component.Component.
func (c *Component) Name() string { return "engine" }

// Start builds the engine.
func (c *Component) Start(ctx context.Context) error {
	deps, err := c.build(ctx)
	if err != nil {
		return fmt.Errorf("engine dependencies: %w", err)
	}
	e, err := New(c.cfg, deps)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.engine = e
	c.mu.Unlock()
	c.log.Info("engine started")
	return nil
}

// Stop cancels driven runs and flushes their snapshots.
func (c *Component) Stop(ctx context.Context) error {
	e := c.Engine()
	if e == nil {
		return nil
	}
	c.log.Info("engine stopping", logger.Fields("active_runs", e.Active()))
	return e.Close(ctx)
}

// Health implements component.Component.
func (c *Component) Health(context.Context) component.Health {
	h := component.Health{Name: c.Name(), Status: component.StatusHealthy}
	e := c.Engine()
	if e == nil {
		h.Status = component.StatusUnhealthy
		h.Message = "engine not initialized"
		return h
	}
	e.mu.Lock()
	closed, active := e.closed, len(e.active)
	e.mu.Unlock()
	if closed {
		h.Status = component.StatusUnhealthy
		h.Message = "closed"
		return h
	}
	h.Message = fmt.Sprintf("%d active runs", active)
	return h
}

// Describe implements component.Describable.
func (c *Component) Describe() component.Description {
	return component.Description{
		Name: "Run engine",
		Type: "engine",
		Details: fmt.Sprintf("parallel=%d iterations=%d debounce=%s",
			c.cfg.Scheduler.MaxParallelBranches, c.cfg.Scheduler.MaxIterations, c.cfg.Persist.Debounce),
	}
}
