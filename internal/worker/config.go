package worker

import (
	"fmt"
	"time"
)

// Config controls how batch jobs are executed
type Config struct {
	// Jobs with at least this many items push sub-batches in parallel
	ParallelThreshold int `toml:"parallel_threshold"`

	// Upper bound on concurrent sub-batch pushes within one job
	MaxParallelism int `toml:"max_parallelism"`

	// Progress notifications are throttled to one per this many processed
	// items or per interval, whichever comes first
	ProgressEveryItems    int           `toml:"progress_every_items"`
	ProgressEveryInterval time.Duration `toml:"progress_every_interval"`

	// Idle wait between queue checks
	PollInterval time.Duration `toml:"poll_interval"`

	// Wait before the first dequeue after start
	StartupDelay time.Duration `toml:"startup_delay"`

	// Finished jobs are evicted after this long
	Retention time.Duration `toml:"retention"`

	// Number of jobs processed concurrently
	Workers int `toml:"workers"`

	// Pause after an unexpected error in the loop
	ErrorBackoff time.Duration `toml:"error_backoff"`
}

// DefaultConfig returns the worker defaults
func DefaultConfig() Config {
	return Config{
		ParallelThreshold:     50,
		MaxParallelism:        10,
		ProgressEveryItems:    10,
		ProgressEveryInterval: 2 * time.Second,
		PollInterval:          5 * time.Second,
		StartupDelay:          0,
		Retention:             24 * time.Hour,
		Workers:               1,
		ErrorBackoff:          10 * time.Second,
	}
}

// Validate returns an error if the configuration cannot drive a worker
func (c Config) Validate() error {
	if c.ParallelThreshold <= 0 {
		return fmt.Errorf("ParallelThreshold must be positive, got %d", c.ParallelThreshold)
	}
	if c.MaxParallelism <= 0 {
		return fmt.Errorf("MaxParallelism must be positive, got %d", c.MaxParallelism)
	}
	if c.ProgressEveryItems <= 0 {
		return fmt.Errorf("ProgressEveryItems must be positive, got %d", c.ProgressEveryItems)
	}
	if c.ProgressEveryInterval <= 0 {
		return fmt.Errorf("ProgressEveryInterval must be positive, got %v", c.ProgressEveryInterval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive, got %v", c.PollInterval)
	}
	if c.StartupDelay < 0 {
		return fmt.Errorf("StartupDelay must not be negative, got %v", c.StartupDelay)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("Retention must be positive, got %v", c.Retention)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", c.Workers)
	}
	if c.ErrorBackoff < 0 {
		return fmt.Errorf("ErrorBackoff must not be negative, got %v", c.ErrorBackoff)
	}
	return nil
}
