// Package config loads testpilot configuration from YAML files with
// environment overrides. Precedence: defaults < user config < project
// config < environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Exported defaults.
const (
	DefaultBindAddress        = "127.0.0.1:4590"
	DefaultMaxSteps           = 25
	DefaultMaxConcurrent      = 4
	DefaultDecideTimeout      = 60 * time.Second
	DefaultPlanTimeout        = 45 * time.Second
	DefaultNavigationTimeout  = 30 * time.Second
	DefaultEventLogCap        = 500
	DefaultLogCap             = 1000
	DefaultChatCap            = 200
	DefaultViewportWidth      = 1280
	DefaultViewportHeight     = 720
)

// ServerConfig controls the HTTP control surface.
type ServerConfig struct {
	BindAddress    string   `yaml:"bind_address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DriverConfig controls automation driver handles.
type DriverConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Headed            bool          `yaml:"headed"`
	SlowMo            time.Duration `yaml:"slow_mo"`
	ViewportWidth     int           `yaml:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
}

// ProviderConfig controls decision provider calls.
type ProviderConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"`
	DecideTimeout time.Duration `yaml:"decide_timeout"`
	PlanTimeout   time.Duration `yaml:"plan_timeout"`
}

// SessionConfig bounds per-session state.
type SessionConfig struct {
	MaxSteps    int `yaml:"max_steps"`
	LogCap      int `yaml:"log_cap"`
	ChatCap     int `yaml:"chat_cap"`
	EventLogCap int `yaml:"event_log_cap"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ScriptsConfig locates the saved test script library.
type ScriptsConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Config is the root testpilot configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Driver   DriverConfig   `yaml:"driver"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Storage  StorageConfig  `yaml:"storage"`
	Scripts  ScriptsConfig  `yaml:"scripts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    DefaultBindAddress,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Driver: DriverConfig{
			ViewportWidth:     DefaultViewportWidth,
			ViewportHeight:    DefaultViewportHeight,
			NavigationTimeout: DefaultNavigationTimeout,
			MaxConcurrent:     DefaultMaxConcurrent,
		},
		Provider: ProviderConfig{
			DecideTimeout: DefaultDecideTimeout,
			PlanTimeout:   DefaultPlanTimeout,
		},
		Session: SessionConfig{
			MaxSteps:    DefaultMaxSteps,
			LogCap:      DefaultLogCap,
			ChatCap:     DefaultChatCap,
			EventLogCap: DefaultEventLogCap,
		},
		Storage: StorageConfig{
			Path: filepath.Join(".testpilot", "testpilot.db"),
		},
		Scripts: ScriptsConfig{
			Dir: filepath.Join(".testpilot", "scripts"),
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(".testpilot", "logs"),
			Level: "info",
		},
	}
}

// Load reads configuration from the standard locations.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".testpilot", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".testpilot", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath reads configuration from a single explicit file.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadAndMerge(cfg, path); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TESTPILOT_BIND_ADDRESS"); v != "" {
		cfg.Server.BindAddress = v
	}
	if v := os.Getenv("TESTPILOT_DRIVER_ENDPOINT"); v != "" {
		cfg.Driver.Endpoint = v
	}
	if v := os.Getenv("TESTPILOT_AGENT_ENDPOINT"); v != "" {
		cfg.Provider.Endpoint = v
	}
	if v := os.Getenv("TESTPILOT_AGENT_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("TESTPILOT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TESTPILOT_SCRIPTS_DIR"); v != "" {
		cfg.Scripts.Dir = v
	}
	if v := os.Getenv("TESTPILOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TESTPILOT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Driver.MaxConcurrent = n
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.BindAddress == "" {
		return fmt.Errorf("server.bind_address cannot be empty")
	}
	if c.Driver.MaxConcurrent <= 0 {
		return fmt.Errorf("driver.max_concurrent must be positive")
	}
	if c.Driver.ViewportWidth <= 0 || c.Driver.ViewportHeight <= 0 {
		return fmt.Errorf("driver viewport dimensions must be positive")
	}
	if c.Provider.DecideTimeout <= 0 {
		return fmt.Errorf("provider.decide_timeout must be positive")
	}
	if c.Provider.PlanTimeout <= 0 {
		return fmt.Errorf("provider.plan_timeout must be positive")
	}
	if c.Session.MaxSteps <= 0 {
		return fmt.Errorf("session.max_steps must be positive")
	}
	if c.Session.EventLogCap <= 0 {
		return fmt.Errorf("session.event_log_cap must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
