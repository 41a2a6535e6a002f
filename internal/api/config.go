package api

import (
	"fmt"
	"time"
)

// Config controls the HTTP listeners
type Config struct {
	Addr        string `toml:"addr"`
	MetricsAddr string `toml:"metrics_addr"` // empty disables the metrics listener

	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	CORSAllowedHeaders []string `toml:"cors_allowed_headers"`

	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`

	// Bodies larger than this are rejected
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// DefaultConfig serves the API on :8080 and metrics on :9090
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		MetricsAddr:        ":9090",
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-By"},
		ReadHeaderTimeout:  10 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		MaxBodyBytes:       8 << 20,
	}
}

// Validate returns an error if the configuration cannot start a server
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr is required")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("ReadHeaderTimeout must be positive, got %v", c.ReadHeaderTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("ShutdownTimeout must be positive, got %v", c.ShutdownTimeout)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MaxBodyBytes must be positive, got %d", c.MaxBodyBytes)
	}
	return nil
}
