// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Logging  LogConfig
	Sandbox  SandboxConfig
	Store    StoreConfig
	Commands CommandLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr      string `envconfig:"SANDBOX_ADDR" default:":8080"`
	StaticDir string `envconfig:"SANDBOX_STATIC_DIR" default:"static"`
	// ChromePath enables the headless preview endpoint. "auto" searches PATH.
	ChromePath string `envconfig:"SANDBOX_CHROME_PATH"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// SandboxConfig holds rendering and synchronization settings.
type SandboxConfig struct {
	StylesFile  string  `envconfig:"SANDBOX_STYLES_FILE"`
	MarkerLabel string  `envconfig:"SANDBOX_MARKER_LABEL" default:"Modified"`
	DeadZone    float64 `envconfig:"SANDBOX_DEAD_ZONE" default:"2"`
}

// StoreConfig selects the canonical document store.
type StoreConfig struct {
	FirestoreProject string        `envconfig:"FIRESTORE_PROJECT"`
	FlushInterval    time.Duration `envconfig:"SANDBOX_FLUSH_INTERVAL" default:"2s"`
}

// CommandLimitConfig limits sandbox commands per connection. Scroll and
// ready messages are not limited.
type CommandLimitConfig struct {
	PerSecond float64 `envconfig:"SANDBOX_COMMAND_RPS" default:"5"`
	Burst     int     `envconfig:"SANDBOX_COMMAND_BURST" default:"10"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Sandbox.DeadZone < 0 {
		return nil, fmt.Errorf("SANDBOX_DEAD_ZONE must not be negative, got %v", cfg.Sandbox.DeadZone)
	}
	return &cfg, nil
}

// Default returns the configuration used when the environment is empty.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			StaticDir: "static",
		},
		Logging: LogConfig{
			Level: "info",
		},
		Sandbox: SandboxConfig{
			MarkerLabel: "Modified",
			DeadZone:    2,
		},
		Store: StoreConfig{
			FlushInterval: 2 * time.Second,
		},
		Commands: CommandLimitConfig{
			PerSecond: 5,
			Burst:     10,
		},
	}
}
