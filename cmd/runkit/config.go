package main

import (
	"fmt"

	"github.com/kbukum/runkit/cache"
	"github.com/kbukum/runkit/config"
	"github.com/kbukum/runkit/database"
	"github.com/kbukum/runkit/engine"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/kafka"
	"github.com/kbukum/runkit/observability"
	"github.com/kbukum/runkit/redis"
	"github.com/kbukum/runkit/resilience"
	"github.com/kbukum/runkit/taskqueue"
	"github.com/kbukum/runkit/version"
)

// AppConfig is the runkit binary's configuration.
type AppConfig struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Engine     engine.Config              `yaml:"engine" mapstructure:"engine"`
	Cache      cache.DefinitionConfig     `yaml:"cache" mapstructure:"cache"`
	Resilience resilience.GuardConfig     `yaml:"resilience" mapstructure:"resilience"`
	TaskQueue  taskqueue.Config           `yaml:"taskqueue" mapstructure:"taskqueue"`
	Redis      redis.Config               `yaml:"redis" mapstructure:"redis"`
	Database   database.Config            `yaml:"database" mapstructure:"database"`
	Kafka      kafka.Config               `yaml:"kafka" mapstructure:"kafka"`
	Forwarder  events.ForwarderConfig     `yaml:"forwarder" mapstructure:"forwarder"`
	Metrics    observability.MeterConfig  `yaml:"metrics" mapstructure:"metrics"`
	Tracing    observability.TracerConfig `yaml:"tracing" mapstructure:"tracing"`

	// DefaultCredits is the balance of users without one, as a decimal
	// integer string.
	DefaultCredits string `yaml:"default_credits" mapstructure:"default_credits"`
}

// ApplyDefaults fills every section's defaults.
func (c *AppConfig) ApplyDefaults() {
	if c.Version == "" {
		c.Version = version.Get().Short()
	}
	c.ServiceConfig.ApplyDefaults()
	c.Engine.ApplyDefaults()
	c.Cache.ApplyDefaults()
	c.Resilience.ApplyDefaults()
	c.TaskQueue.ApplyDefaults()
	c.Redis.ApplyDefaults()
	c.Database.ApplyDefaults()
	c.Kafka.ApplyDefaults()
	if c.DefaultCredits == "" {
		c.DefaultCredits = "1000000"
	}
	if c.Metrics.ServiceName == "" {
		c.Metrics = withMeterDefaults(c.Metrics, c.Name)
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing = withTracerDefaults(c.Tracing, c.Name)
	}
}

// Validate checks every enabled section.
func (c *AppConfig) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if c.Redis.Enabled && c.Database.Enabled {
		return fmt.Errorf("config: enable at most one of redis and database as the snapshot store")
	}
	for name, v := range map[string]interface{ Validate() error }{
		"redis":    &c.Redis,
		"database": &c.Database,
		"kafka":    &c.Kafka,
	} {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
	}
	return nil
}

func withMeterDefaults(c observability.MeterConfig, service string) observability.MeterConfig {
	d := observability.DefaultMeterConfig(service)
	d.Enabled = c.Enabled
	if c.Endpoint != "" {
		d.Endpoint = c.Endpoint
	}
	if c.Interval > 0 {
		d.Interval = c.Interval
	}
	return d
}

func withTracerDefaults(c observability.TracerConfig, service string) observability.TracerConfig {
	d := observability.DefaultTracerConfig(service)
	d.Enabled = c.Enabled
	if c.Endpoint != "" {
		d.Endpoint = c.Endpoint
	}
	if c.SampleRate > 0 {
		d.SampleRate = c.SampleRate
	}
	return d
}
