package database

import (
	"context"
	"fmt"

	"github.com/kbukum/runkit/component"
	"github.com/kbukum/runkit/logger"
)

// Component wraps DB for the component registry.
type Component struct {
	db  *DB
	cfg Config
	log *logger.Logger
}

var _ component.Component = (*Component)(nil)

// NewComponent creates a database component.
func NewComponent(cfg Config, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	return &Component{cfg: cfg, log: logger.OrNop(log).WithComponent("database")}
}

// DB returns the opened database, or nil before Start.
func (c *Component) DB() *DB { return c.db }

// Name implements component.Component.
func (c *Component) Name() string { return "database" }

// Start connects and, when configured, applies migrations.
func (c *Component) Start(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	db, err := Open(ctx, c.cfg, c.log)
	if err != nil {
		return fmt.Errorf("database start: %w", err)
	}
	if c.cfg.AutoMigrate {
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return fmt.Errorf("database migrate: %w", err)
		}
	}
	c.db = db
	return nil
}

// Stop closes the connection pool.
func (c *Component) Stop(context.Context) error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Health pings the database.
func (c *Component) Health(ctx context.Context) component.Health {
	h := component.Health{Name: c.Name(), Status: component.StatusHealthy}
	if c.db == nil {
		h.Status = component.StatusUnhealthy
		h.Message = "database not initialized"
		return h
	}
	if err := c.db.PingContext(ctx); err != nil {
		h.Status = component.StatusUnhealthy
		h.Message = fmt.Sprintf("ping failed: %v", err)
	}
	return h
}

// Describe implements component.Describable.
func (c *Component) Describe() component.Description {
	details := fmt.Sprintf("dsn=%s pool=%d/%d", c.cfg.DSN, c.cfg.MaxOpenConns, c.cfg.MaxIdleConns)
	if c.cfg.AutoMigrate {
		details += " migrate=on"
	}
	return component.Description{Name: "Database", Type: "database", Details: details}
}
