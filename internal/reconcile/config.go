package reconcile

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/cron"
)

// Target is one (direction, entity type) pair the scheduler runs
type Target struct {
	Direction  Direction `toml:"direction"`
	EntityType string    `toml:"entity_type"`
}

// Config controls reconciliation passes
type Config struct {
	// Subtracted from the run start when storing the watermark, so changes
	// written while the run was listing are picked up next time
	SafetyMargin time.Duration `toml:"safety_margin"`

	// How far back the first run for a pair looks. Zero means everything.
	InitialLookback time.Duration `toml:"initial_lookback"`

	// Upper bound on candidates examined by one run (0 = unlimited)
	MaxCandidates int `toml:"max_candidates"`

	// Numeric values closer than this are equal
	Tolerance float64 `toml:"tolerance"`

	// Whitelisted fields per entity type
	Fields map[string][]string `toml:"fields"`

	// Cron expression for periodic runs; empty disables the scheduler
	Schedule string `toml:"schedule"`

	Targets []Target `toml:"targets"`
}

// DefaultConfig reconciles products both ways every fifteen minutes
func DefaultConfig() Config {
	return Config{
		SafetyMargin:    time.Minute,
		InitialLookback: 24 * time.Hour,
		MaxCandidates:   0,
		Tolerance:       DefaultTolerance,
		Fields: map[string][]string{
			"product": {"name", "price", "barcode", "category"},
		},
		Schedule: "*/15 * * * *",
		Targets: []Target{
			{Direction: ManufacturingToAccounting, EntityType: "product"},
			{Direction: AccountingToManufacturing, EntityType: "product"},
		},
	}
}

// Validate returns an error if the configuration cannot drive an engine
func (c Config) Validate() error {
	if c.SafetyMargin < 0 {
		return fmt.Errorf("SafetyMargin must not be negative, got %v", c.SafetyMargin)
	}
	if c.InitialLookback < 0 {
		return fmt.Errorf("InitialLookback must not be negative, got %v", c.InitialLookback)
	}
	if c.MaxCandidates < 0 {
		return fmt.Errorf("MaxCandidates must not be negative, got %d", c.MaxCandidates)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("Tolerance must not be negative, got %v", c.Tolerance)
	}
	if c.Schedule != "" {
		if _, err := cron.Parse(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}
	for i, t := range c.Targets {
		if _, err := ParseDirection(string(t.Direction)); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if t.EntityType == "" {
			return fmt.Errorf("targets[%d]: entity_type is required", i)
		}
	}
	return nil
}

// fieldsFor returns the whitelist for an entity type
func (c Config) fieldsFor(entityType string) []string {
	return c.Fields[entityType]
}
