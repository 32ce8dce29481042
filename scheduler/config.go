package scheduler

import "time"

const (
	DefaultMaxParallelBranches = 10
	DefaultMaxIterations       = 100
	DefaultBaseDelay           = 10 * time.Millisecond
	DefaultDelayMultiplier     = 1.1
	DefaultMaxDelay            = time.Second
	DefaultMaxRunTime          = 5 * time.Minute
	DefaultCancelGrace         = 5 * time.Second
)

// Config bounds a scheduler.
type Config struct {
	MaxParallelBranches int `yaml:"max_parallel_branches" mapstructure:"max_parallel_branches"`
	// MaxIterations is the number of iterations one Run call may perform
	// before the run is Paused.
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`
	// BaseDelay is the pause between iterations while branches are active.
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	// DelayMultiplier grows the pause while every branch is waiting.
	DelayMultiplier float64       `yaml:"delay_multiplier" mapstructure:"delay_multiplier"`
	MaxDelay        time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	// MaxRunTime caps the run's accumulated wall-clock time.
	MaxRunTime time.Duration `yaml:"max_run_time" mapstructure:"max_run_time"`
	// CancelGrace is how long in-flight steps may continue after cancellation.
	CancelGrace time.Duration `yaml:"cancel_grace" mapstructure:"cancel_grace"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxParallelBranches <= 0 {
		c.MaxParallelBranches = DefaultMaxParallelBranches
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.DelayMultiplier < 1 {
		c.DelayMultiplier = DefaultDelayMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxRunTime <= 0 {
		c.MaxRunTime = DefaultMaxRunTime
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
}

// nextDelay grows d while nothing is active and resets it otherwise.
func (c Config) nextDelay(d time.Duration, anyActive bool) time.Duration {
	if anyActive {
		return c.BaseDelay
	}
	next := time.Duration(float64(d) * c.DelayMultiplier)
	if next <= d {
		next = d + 1
	}
	if next > c.MaxDelay {
		next = c.MaxDelay
	}
	return next
}
