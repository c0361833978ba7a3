// Package config handles loading and validating NoxRunner configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for NoxRunner.
type Config struct {
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = in-memory registry only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Reaper        *ReaperConfig        `json:"reaper,omitempty" yaml:"reaper,omitempty"`               // nil = no background reaping
}

// SandboxConfig controls the local sandbox jail.
type SandboxConfig struct {
	BaseDir        string `json:"base_dir" yaml:"base_dir"`                 // Base directory for sandbox roots. Default: /tmp. Override: NOXRUNNER_BASE_DIR.
	WorkspaceName  string `json:"workspace_name" yaml:"workspace_name"`     // Writable subdirectory name. Default: "workspace".
	TTLSeconds     int    `json:"ttl_seconds" yaml:"ttl_seconds"`           // Default sandbox TTL. Default: 900.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`   // Default exec timeout. Default: 30.
	HardenedEnv    bool   `json:"hardened_env" yaml:"hardened_env"`         // Start from a minimal env instead of inheriting the host's.
	MaxOutputBytes int    `json:"max_output_bytes" yaml:"max_output_bytes"` // Per-stream output cap. Default: 1 MiB.
}

// SecurityConfig extends the built-in command policy.
type SecurityConfig struct {
	ExtraAllowedCommands []string `json:"extra_allowed_commands" yaml:"extra_allowed_commands"`
	ExtraDeniedCommands  []string `json:"extra_denied_commands" yaml:"extra_denied_commands"`
}

// StorageConfig configures the persistent sandbox-record store (SQLite).
type StorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <base_dir>/noxrunner.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// ObservabilityConfig enables metrics and tracing.
type ObservabilityConfig struct {
	Metrics bool           `json:"metrics" yaml:"metrics"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"` // nil = tracing disabled
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"` // host:port of the OTLP collector
	Protocol    string `json:"protocol" yaml:"protocol"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name" yaml:"service_name"`
	Insecure    bool   `json:"insecure" yaml:"insecure"`
}

// ReaperConfig schedules background deletion of expired sandboxes.
type ReaperConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // cron expression. Default: "@every 1m".
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "noxrunner.yaml"
	}
	return filepath.Join(home, ".noxrunner", "config.yaml")
}

// Default returns a configuration mirroring the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, fills in defaults, and applies
// NOXRUNNER_* environment overrides. A missing file is not an error: the
// defaults are returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sandbox.BaseDir == "" {
		c.Sandbox.BaseDir = os.TempDir()
	}
	if c.Sandbox.WorkspaceName == "" {
		c.Sandbox.WorkspaceName = "workspace"
	}
	if c.Sandbox.TTLSeconds == 0 {
		c.Sandbox.TTLSeconds = 900
	}
	if c.Sandbox.TimeoutSeconds == 0 {
		c.Sandbox.TimeoutSeconds = 30
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = 1 << 20
	}
	if c.Storage != nil {
		if c.Storage.Path == "" {
			c.Storage.Path = filepath.Join(c.Sandbox.BaseDir, "noxrunner.db")
		}
		if c.Storage.JournalMode == "" {
			c.Storage.JournalMode = "wal"
		}
	}
	if c.Reaper != nil && c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "@every 1m"
	}
}

func (c *Config) applyEnvOverrides() {
	c.Sandbox.BaseDir = goutils.Env("NOXRUNNER_BASE_DIR", c.Sandbox.BaseDir)
	c.Sandbox.WorkspaceName = goutils.Env("NOXRUNNER_WORKSPACE_NAME", c.Sandbox.WorkspaceName)
	if v := os.Getenv("NOXRUNNER_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sandbox.TTLSeconds = n
		}
	}
	if v := os.Getenv("NOXRUNNER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sandbox.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("NOXRUNNER_HARDENED_ENV"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sandbox.HardenedEnv = b
		}
	}
}

func (c *Config) validate() error {
	if c.Sandbox.TTLSeconds < 0 {
		return fmt.Errorf("sandbox.ttl_seconds must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if t.Protocol != "" && t.Protocol != "grpc" && t.Protocol != "http" {
			return fmt.Errorf("observability.tracing.protocol must be \"grpc\" or \"http\", got %q", t.Protocol)
		}
	}
	return nil
}

// TTL returns the default sandbox TTL as a duration.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Sandbox.TTLSeconds) * time.Second
}

// ExecTimeout returns the default exec timeout as a duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}
