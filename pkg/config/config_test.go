package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Driver.ViewportWidth != DefaultViewportWidth {
		t.Errorf("unexpected default viewport width: %d", cfg.Driver.ViewportWidth)
	}
	if cfg.Provider.DecideTimeout != DefaultDecideTimeout {
		t.Errorf("unexpected default decide timeout: %s", cfg.Provider.DecideTimeout)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  bind_address: "0.0.0.0:9000"
driver:
  headed: true
  max_concurrent: 2
provider:
  decide_timeout: 10s
session:
  max_steps: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Server.BindAddress != "0.0.0.0:9000" {
		t.Errorf("bind address not merged: %q", cfg.Server.BindAddress)
	}
	if !cfg.Driver.Headed {
		t.Error("headed not merged")
	}
	if cfg.Driver.MaxConcurrent != 2 {
		t.Errorf("max_concurrent not merged: %d", cfg.Driver.MaxConcurrent)
	}
	if cfg.Provider.DecideTimeout != 10*time.Second {
		t.Errorf("decide_timeout not merged: %s", cfg.Provider.DecideTimeout)
	}
	if cfg.Session.MaxSteps != 5 {
		t.Errorf("max_steps not merged: %d", cfg.Session.MaxSteps)
	}
	// Untouched fields keep defaults.
	if cfg.Session.EventLogCap != DefaultEventLogCap {
		t.Errorf("event_log_cap should keep default: %d", cfg.Session.EventLogCap)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TESTPILOT_BIND_ADDRESS", "127.0.0.1:7777")
	t.Setenv("TESTPILOT_MAX_CONCURRENT", "9")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.BindAddress != "127.0.0.1:7777" {
		t.Errorf("env bind address not applied: %q", cfg.Server.BindAddress)
	}
	if cfg.Driver.MaxConcurrent != 9 {
		t.Errorf("env max_concurrent not applied: %d", cfg.Driver.MaxConcurrent)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bind address", func(c *Config) { c.Server.BindAddress = "" }},
		{"zero max concurrent", func(c *Config) { c.Driver.MaxConcurrent = 0 }},
		{"zero decide timeout", func(c *Config) { c.Provider.DecideTimeout = 0 }},
		{"zero max steps", func(c *Config) { c.Session.MaxSteps = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
