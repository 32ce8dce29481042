package engine

import (
	"time"

	"github.com/kbukum/runkit/persist"
	"github.com/kbukum/runkit/scheduler"
)

// Config tunes an Engine.
type Config struct {
	Scheduler scheduler.Config `yaml:"scheduler" mapstructure:"scheduler"`
	Persist   persist.Config   `yaml:"persist" mapstructure:"persist"`
	// ProgressInterval throttles run.progress events per run.
	ProgressInterval time.Duration `yaml:"progress_interval" mapstructure:"progress_interval"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	c.Scheduler.ApplyDefaults()
	c.Persist.ApplyDefaults()
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = persist.DefaultProgressThrottle
	}
}
