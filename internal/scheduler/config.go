package scheduler

import "time"

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	ReplayBatchSize int
	JobTimeout      time.Duration
	// LockTTL bounds how long one instance owns a job when redis is
	// configured. It should exceed JobTimeout.
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		ReplayBatchSize: 100,
		JobTimeout:      30 * time.Second,
		LockTTL:         2 * time.Minute,
	}
}

func ProvideConfig() Config {
	return DefaultConfig()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ReplayBatchSize <= 0 {
		c.ReplayBatchSize = defaults.ReplayBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
