package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/erpbridge/internal/api"
	"github.com/livinlefevreloca/erpbridge/internal/breaker"
	"github.com/livinlefevreloca/erpbridge/internal/client"
	"github.com/livinlefevreloca/erpbridge/internal/db"
	"github.com/livinlefevreloca/erpbridge/internal/notify"
	"github.com/livinlefevreloca/erpbridge/internal/outbox"
	"github.com/livinlefevreloca/erpbridge/internal/reconcile"
	"github.com/livinlefevreloca/erpbridge/internal/registry"
	"github.com/livinlefevreloca/erpbridge/internal/syncer"
	"github.com/livinlefevreloca/erpbridge/internal/worker"
)

// Environment variables that override secrets from the file
const (
	EnvAccountingPassword  = "ERPBRIDGE_ACCOUNTING_PASSWORD"
	EnvManufacturingAPIKey = "ERPBRIDGE_MANUFACTURING_API_KEY"
	EnvAccountingUsername  = "ERPBRIDGE_ACCOUNTING_USERNAME"
	EnvDatabaseDSN         = "ERPBRIDGE_DATABASE_DSN"
)

// Config represents the application configuration
type Config struct {
	Database      db.Config                  `toml:"database"`
	Syncer        syncer.Config              `toml:"syncer"`
	Registry      registry.Config            `toml:"registry"`
	Worker        worker.Config              `toml:"worker"`
	Breakers      BreakersConfig             `toml:"breakers"`
	Outbox        outbox.Config              `toml:"outbox"`
	Notify        notify.Config              `toml:"notify"`
	Manufacturing client.ManufacturingConfig `toml:"manufacturing"`
	Accounting    client.AccountingConfig    `toml:"accounting"`
	Reconcile     reconcile.Config           `toml:"reconcile"`
	API           api.Config                 `toml:"api"`
	Logging       LoggingConfig              `toml:"logging"`
}

// BreakersConfig holds one circuit breaker per external system
type BreakersConfig struct {
	Manufacturing breaker.Config `toml:"manufacturing"`
	Accounting    breaker.Config `toml:"accounting"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults. The two client
// sections still need base URLs and credentials.
func DefaultConfig() *Config {
	return &Config{
		Database: db.DefaultConfig(),
		Syncer:   syncer.DefaultConfig(),
		Registry: registry.DefaultConfig(),
		Worker:   worker.DefaultConfig(),
		Breakers: BreakersConfig{
			Manufacturing: breaker.DefaultConfig(),
			Accounting:    breaker.DefaultConfig(),
		},
		Outbox:        outbox.DefaultConfig(),
		Notify:        notify.DefaultConfig(),
		Manufacturing: client.DefaultManufacturingConfig(),
		Accounting:    client.DefaultAccountingConfig(),
		Reconcile:     reconcile.DefaultConfig(),
		API:           api.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables for secrets
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.ApplyEnv(os.Getenv)
	return config, nil
}

// ApplyEnv overrides secrets with non-empty environment values
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvAccountingPassword); v != "" {
		c.Accounting.Password = v
	}
	if v := getenv(EnvAccountingUsername); v != "" {
		c.Accounting.Username = v
	}
	if v := getenv(EnvManufacturingAPIKey); v != "" {
		c.Manufacturing.APIKey = v
	}
	if v := getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
}

// ValidateDatabase checks only the database section, for commands that
// never talk to the external systems
func (c *Config) ValidateDatabase() error {
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}

	// Syncer validation
	if c.Syncer.ChannelSize <= 0 {
		return fmt.Errorf("syncer channel_size must be positive")
	}
	if c.Syncer.FlushInterval <= 0 {
		return fmt.Errorf("syncer flush_interval must be positive")
	}

	if c.Registry.MaxSnapshotErrors < 0 || c.Registry.MaxSnapshotFailures < 0 {
		return fmt.Errorf("registry snapshot caps must not be negative")
	}

	checks := []struct {
		section string
		err     error
	}{
		{"worker", c.Worker.Validate()},
		{"breakers.manufacturing", c.Breakers.Manufacturing.Validate()},
		{"breakers.accounting", c.Breakers.Accounting.Validate()},
		{"outbox", c.Outbox.Validate()},
		{"notify", c.Notify.Validate()},
		{"manufacturing", c.Manufacturing.Validate()},
		{"accounting", c.Accounting.Validate()},
		{"reconcile", c.Reconcile.Validate()},
		{"api", c.API.Validate()},
	}
	for _, check := range checks {
		if check.err != nil {
			return fmt.Errorf("%s: %w", check.section, check.err)
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
