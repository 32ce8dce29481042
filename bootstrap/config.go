package bootstrap

import (
	"github.com/kbukum/runkit/config"
)

// Config is the constraint for application configuration types. A pointer
// to any struct embedding config.ServiceConfig gets GetServiceConfig
// through promotion.
//
//	type AppConfig struct {
//	    config.ServiceConfig `yaml:",inline" mapstructure:",squash"`
//	    Redis redis.Config   `yaml:"redis" mapstructure:"redis"`
//	}
type Config interface {
	GetServiceConfig() *config.ServiceConfig
	ApplyDefaults()
	Validate() error
}
