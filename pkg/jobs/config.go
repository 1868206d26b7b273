package jobs

import (
	"time"
)

// JobConfig controls job queue and worker behavior.
type JobConfig struct {
	Concurrency   int           // Max concurrent workers. Default 3.
	MaxRetries    int           // Max retry attempts per job. Default 3.
	PollInterval  time.Duration // How often workers poll for new jobs. Default 5s.
	ClaimTimeout  time.Duration // Max time a job can be in "running" before considered stuck. Default 10m.
	RetentionDays int           // How long to keep finished jobs. Default 7.
	Enabled       bool          // Whether the worker pool runs. Default true.
}

// DefaultJobConfig returns the default job configuration.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Concurrency:   3,
		MaxRetries:    3,
		PollInterval:  5 * time.Second,
		ClaimTimeout:  10 * time.Minute,
		RetentionDays: 7,
		Enabled:       true,
	}
}

// Normalize replaces out-of-range values with defaults.
func (c *JobConfig) Normalize() *JobConfig {
	def := DefaultJobConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ClaimTimeout < 0 {
		c.ClaimTimeout = 0
	}
	if c.RetentionDays < 0 {
		c.RetentionDays = 0
	}
	return c
}
