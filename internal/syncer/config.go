package syncer

import (
	"fmt"
	"time"
)

// Config defines how job snapshots are buffered before they reach the database
type Config struct {
	// Channel buffer size between the registry and the writer goroutine
	ChannelSize int `toml:"channel_size"`

	// How long Save waits for room in a full channel before dropping a snapshot
	SendTimeout time.Duration `toml:"send_timeout"`

	// Flushing - dual mechanism (size OR time triggers flush)
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`

	// Upper bound on a single flush transaction
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// DefaultConfig returns OLTP-friendly syncer configuration defaults
func DefaultConfig() Config {
	return Config{
		ChannelSize:    1000,
		SendTimeout:    time.Second,
		FlushThreshold: 100,
		FlushInterval:  time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// validateConfig validates syncer configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.ChannelSize <= 0 {
		return fmt.Errorf("ChannelSize must be positive, got %d", config.ChannelSize)
	}

	if config.SendTimeout <= 0 {
		return fmt.Errorf("SendTimeout must be positive, got %v", config.SendTimeout)
	}

	if config.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", config.FlushThreshold)
	}

	if config.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", config.FlushInterval)
	}

	if config.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive, got %v", config.WriteTimeout)
	}

	return nil
}
