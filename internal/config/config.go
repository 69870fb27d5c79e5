package config

import (
	"fmt"
	"time"
)

// Config is the top-level opstat host configuration.
type Config struct {
	Stats   StatsConfig   `yaml:"stats"`
	Server  ServerConfig  `yaml:"server"`
	Archive ArchiveConfig `yaml:"archive"`
}

// StatsConfig controls the aggregation table and the rusage sampler.
type StatsConfig struct {
	// Capacity is the fixed number of identity slots. It cannot grow
	// at runtime, so it must be set before the host starts.
	Capacity     int    `yaml:"capacity"`
	SnapshotPath string `yaml:"snapshot_path"`
	TickHz       int    `yaml:"tick_hz"` // kernel CPU accounting ticks per second, 0 = default
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	CORS           bool          `yaml:"cors"`
	StreamInterval time.Duration `yaml:"stream_interval"` // websocket broadcast period
	Auth           AuthConfig    `yaml:"auth"`
}

// AuthConfig lists static bearer tokens and the role each one carries.
// With Enabled false every request acts as admin.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

type TokenConfig struct {
	Secret string `yaml:"secret"`
	Role   string `yaml:"role"` // admin, operator, viewer
}

// ArchiveConfig controls the sqlite generation archive written on
// orderly shutdown alongside the binary snapshot.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Stats: StatsConfig{
			Capacity:     1000,
			SnapshotPath: "./opstat.stat",
		},
		Server: ServerConfig{
			Port:           6788,
			LogLevel:       "info",
			CORS:           false,
			StreamInterval: 2 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Path:    "./opstat.db",
		},
	}
}

// Validate rejects configurations the host cannot start with.
func (c *Config) Validate() error {
	if c.Stats.Capacity <= 0 {
		return fmt.Errorf("stats.capacity must be positive, got %d", c.Stats.Capacity)
	}
	if c.Stats.SnapshotPath == "" {
		return fmt.Errorf("stats.snapshot_path must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.StreamInterval <= 0 {
		return fmt.Errorf("server.stream_interval must be positive, got %s", c.Server.StreamInterval)
	}
	if c.Server.Auth.Enabled && len(c.Server.Auth.Tokens) == 0 {
		return fmt.Errorf("server.auth.enabled is set but no tokens are configured")
	}
	for i, tok := range c.Server.Auth.Tokens {
		if tok.Secret == "" {
			return fmt.Errorf("server.auth.tokens[%d]: secret must not be empty", i)
		}
		switch tok.Role {
		case "admin", "operator", "viewer":
		default:
			return fmt.Errorf("server.auth.tokens[%d]: unknown role %q", i, tok.Role)
		}
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive.enabled is set but archive.path is empty")
	}
	return nil
}
