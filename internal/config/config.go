// ABOUTME: Configuration loading and parsing for the talon control plane.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete talon server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logs     LogsConfig     `yaml:"logs"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listen address configuration. The HTTP surface carries
// both the relay-facing agent endpoints and the operator API.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the command ledger location. ":memory:" is accepted.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent-liveness tuning.
type AgentsConfig struct {
	StaleThreshold time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	StaleThresholdRaw string `yaml:"stale_threshold"`

	// DefaultPollInterval is the poll interval (seconds) assumed for fresh
	// sessions until a sleep command changes it.
	DefaultPollInterval int `yaml:"default_poll_interval"`
}

// LogsConfig holds the operational log ring buffer size.
type LogsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// UploadsConfig holds where agent-uploaded artifacts are stored.
type UploadsConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig holds operator API authentication configuration. An empty
// secret disables auth on the operator endpoints.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in unset optional fields.
func (c *Config) applyDefaults() {
	if c.Agents.StaleThreshold == 0 {
		c.Agents.StaleThreshold = 30 * time.Minute
	}
	if c.Agents.DefaultPollInterval == 0 {
		c.Agents.DefaultPollInterval = 30
	}
	if c.Logs.BufferSize == 0 {
		c.Logs.BufferSize = 1000
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = "download"
	}
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agents.StaleThreshold < 0 {
		return fmt.Errorf("agents.stale_threshold must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	if cfg.Agents.StaleThresholdRaw != "" {
		d, err := time.ParseDuration(cfg.Agents.StaleThresholdRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_threshold %q: %w", cfg.Agents.StaleThresholdRaw, err)
		}
		cfg.Agents.StaleThreshold = d
	}
	return nil
}
