package outbox

import (
	"fmt"
	"time"
)

// Config controls redelivery of failed notifications
type Config struct {
	// How often due entries are polled
	PollInterval time.Duration `toml:"poll_interval"`

	// Maximum entries redelivered per poll
	BatchLimit int `toml:"batch_limit"`

	// Retry n waits Base^n seconds, clamped to [MinDelay, MaxDelay]
	Base     float64       `toml:"base"`
	MinDelay time.Duration `toml:"min_delay"`
	MaxDelay time.Duration `toml:"max_delay"`

	// Attempts before an entry is dead-lettered; 0 retries forever
	MaxAttempts int `toml:"max_attempts"`
}

// DefaultConfig returns outbox defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchLimit:   50,
		Base:         2,
		MinDelay:     5 * time.Second,
		MaxDelay:     300 * time.Second,
		MaxAttempts:  0,
	}
}

// Validate returns an error if the configuration is unusable
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive, got %v", c.PollInterval)
	}
	if c.BatchLimit <= 0 {
		return fmt.Errorf("BatchLimit must be positive, got %d", c.BatchLimit)
	}
	if c.Base < 1 {
		return fmt.Errorf("Base must be at least 1, got %v", c.Base)
	}
	if c.MinDelay < 0 {
		return fmt.Errorf("MinDelay must not be negative, got %v", c.MinDelay)
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("MaxDelay (%v) must not be less than MinDelay (%v)", c.MaxDelay, c.MinDelay)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("MaxAttempts must not be negative, got %d", c.MaxAttempts)
	}
	return nil
}
