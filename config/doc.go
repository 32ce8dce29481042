// Package config loads runkit configuration.
//
// Values come from, in increasing priority: defaults registered with
// WithDefaults, a YAML (or JSON) file, a .env file, and the process
// environment. Environment keys are matched against nested config keys by
// splitting on underscores, so RUNKIT_SCHEDULER_MAX_PARALLEL_BRANCHES with
// the RUNKIT prefix sets scheduler.max_parallel_branches.
//
//	var cfg AppConfig
//	err := config.Load("runkit", &cfg, config.WithEnvPrefix("RUNKIT"))
//
// Load additionally calls ApplyDefaults and Validate when cfg implements
// Defaulter and Validatable.
package config
