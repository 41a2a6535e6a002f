package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/reconcile"
)

// validConfig returns defaults plus the settings that have no default
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Manufacturing.BaseURL = "https://mfg.example.com/api"
	cfg.Manufacturing.APIKey = "key"
	cfg.Accounting.BaseURL = "https://erp.example.com/rest"
	cfg.Accounting.Username = "bridge"
	cfg.Accounting.Password = "secret"
	cfg.Accounting.OrgCode = "ACME"
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "erpbridge.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Worker.ParallelThreshold != 50 {
		t.Errorf("expected parallel_threshold 50, got %d", cfg.Worker.ParallelThreshold)
	}
	if cfg.Worker.MaxParallelism != 10 {
		t.Errorf("expected max_parallelism 10, got %d", cfg.Worker.MaxParallelism)
	}
	if cfg.Registry.DefaultBatchSize != 100 {
		t.Errorf("expected default_batch_size 100, got %d", cfg.Registry.DefaultBatchSize)
	}
	if cfg.Breakers.Accounting.FailureThreshold != 5 || cfg.Breakers.Accounting.CoolDown != 2*time.Minute {
		t.Errorf("unexpected accounting breaker defaults: %+v", cfg.Breakers.Accounting)
	}
	if cfg.Outbox.PollInterval != 30*time.Second || cfg.Outbox.MaxDelay != 300*time.Second {
		t.Errorf("unexpected outbox defaults: %+v", cfg.Outbox)
	}
	if got := cfg.Reconcile.Fields["product"]; len(got) != 4 {
		t.Errorf("expected 4 whitelisted product fields, got %v", got)
	}
	if cfg.API.Addr != ":8080" {
		t.Errorf("expected api addr :8080, got %s", cfg.API.Addr)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "file:test.db"

[worker]
max_parallelism = 4
progress_every_interval = "500ms"

[breakers.accounting]
failure_threshold = 3
cool_down = "30s"

[outbox]
max_attempts = 12

[manufacturing]
base_url = "https://mfg.example.com/api"
api_key = "from-file"
page_size = 250

[manufacturing.entity_paths]
product = "v2/items"

[accounting]
base_url = "https://erp.example.com/rest"
username = "bridge"
org_code = "ACME"
session_ttl = "15m"

[reconcile]
schedule = "@hourly"
max_candidates = 500

[[reconcile.targets]]
direction = "manufacturing_to_accounting"
entity_type = "product"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Database.DSN != "file:test.db" {
		t.Errorf("expected dsn file:test.db, got %s", cfg.Database.DSN)
	}
	if cfg.Worker.MaxParallelism != 4 {
		t.Errorf("expected max_parallelism 4, got %d", cfg.Worker.MaxParallelism)
	}
	if cfg.Worker.ProgressEveryInterval != 500*time.Millisecond {
		t.Errorf("expected progress_every_interval 500ms, got %v", cfg.Worker.ProgressEveryInterval)
	}
	if cfg.Breakers.Accounting.FailureThreshold != 3 || cfg.Breakers.Accounting.CoolDown != 30*time.Second {
		t.Errorf("accounting breaker not loaded: %+v", cfg.Breakers.Accounting)
	}
	if cfg.Outbox.MaxAttempts != 12 {
		t.Errorf("expected max_attempts 12, got %d", cfg.Outbox.MaxAttempts)
	}
	if cfg.Manufacturing.BaseURL != "https://mfg.example.com/api" || cfg.Manufacturing.PageSize != 250 {
		t.Errorf("manufacturing section not loaded: %+v", cfg.Manufacturing)
	}
	if cfg.Manufacturing.EntityPaths["product"] != "v2/items" {
		t.Errorf("expected entity path override, got %v", cfg.Manufacturing.EntityPaths)
	}
	if cfg.Accounting.SessionTTL != 15*time.Minute {
		t.Errorf("expected session_ttl 15m, got %v", cfg.Accounting.SessionTTL)
	}
	if len(cfg.Reconcile.Targets) != 1 || cfg.Reconcile.Targets[0].Direction != reconcile.ManufacturingToAccounting {
		t.Errorf("unexpected reconcile targets: %+v", cfg.Reconcile.Targets)
	}
	if cfg.Reconcile.MaxCandidates != 500 {
		t.Errorf("expected max_candidates 500, got %d", cfg.Reconcile.MaxCandidates)
	}

	// Defaults survive for keys the file does not set
	if cfg.Worker.ParallelThreshold != 50 {
		t.Errorf("expected parallel_threshold default 50, got %d", cfg.Worker.ParallelThreshold)
	}
	if cfg.Accounting.LoginPath != "login" {
		t.Errorf("expected login_path default, got %s", cfg.Accounting.LoginPath)
	}
	if cfg.Reconcile.Tolerance != reconcile.DefaultTolerance {
		t.Errorf("expected default tolerance, got %v", cfg.Reconcile.Tolerance)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
[worker]
max_paralelism = 4
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error for empty config path, got %v", err)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver, got %s", cfg.Database.Driver)
	}
}

func TestLoadConfig_EnvOverridesSecrets(t *testing.T) {
	path := writeConfig(t, `
[accounting]
password = "from-file"

[manufacturing]
api_key = "from-file"
`)
	t.Setenv(EnvAccountingPassword, "from-env")
	t.Setenv(EnvManufacturingAPIKey, "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Accounting.Password != "from-env" {
		t.Errorf("expected password from env, got %s", cfg.Accounting.Password)
	}
	if cfg.Manufacturing.APIKey != "from-file" {
		t.Errorf("empty env value must not override, got %s", cfg.Manufacturing.APIKey)
	}
}

func TestValidate_Success(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_DefaultsNeedClientSettings(t *testing.T) {
	if err := DefaultConfig().Validate(); err == nil {
		t.Error("expected error without base URLs and credentials")
	}
	if err := DefaultConfig().ValidateDatabase(); err != nil {
		t.Errorf("database defaults should be valid: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"empty driver", func(c *Config) { c.Database.Driver = "" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"zero syncer channel", func(c *Config) { c.Syncer.ChannelSize = 0 }},
		{"zero parallelism", func(c *Config) { c.Worker.MaxParallelism = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Breakers.Manufacturing.FailureThreshold = 0 }},
		{"outbox max below min", func(c *Config) { c.Outbox.MaxDelay = time.Second }},
		{"zero notify queue", func(c *Config) { c.Notify.QueueSize = 0 }},
		{"missing api key", func(c *Config) { c.Manufacturing.APIKey = "" }},
		{"bad accounting url", func(c *Config) { c.Accounting.BaseURL = "erp" }},
		{"bad schedule", func(c *Config) { c.Reconcile.Schedule = "sometimes" }},
		{"empty api addr", func(c *Config) { c.API.Addr = "" }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}
