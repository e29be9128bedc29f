// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the room server.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// ServerName is this homeserver's name, as used in user and room
	// IDs (e.g., "example.org").
	ServerName string `yaml:"server_name"`

	// SigningKeyPath is the ed25519 signing key file, in the
	// "ed25519 <version> <seed>" format.
	SigningKeyPath string `yaml:"signing_key_path"`

	// Root is the base directory for server data. Other paths may
	// refer to it as ${ROOMSERVER_ROOT}.
	Root string `yaml:"root"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Database   DatabaseConfig   `yaml:"database"`
	Federation FederationConfig `yaml:"federation"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Appservice AppserviceConfig `yaml:"appservice"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	LogLevel   string            `yaml:"log_level,omitempty"`
	Database   *DatabaseConfig   `yaml:"database,omitempty"`
	Federation *FederationConfig `yaml:"federation,omitempty"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file.
	// Default: ${ROOMSERVER_ROOT}/rooms.db
	Path string `yaml:"path"`

	// PoolSize is the number of connections.
	// Default: 4
	PoolSize int `yaml:"pool_size"`
}

// FederationConfig configures outbound federation requests.
type FederationConfig struct {
	// Enabled turns on fetching missing events, state and keys from
	// remote servers. When false, events whose dependencies are not
	// stored locally are rejected.
	Enabled bool `yaml:"enabled"`

	// TrustedServers are asked first when backfilling.
	TrustedServers []string `yaml:"trusted_servers"`

	// RequestTimeout bounds each outbound request.
	// Default: 30s (development), 10s (production)
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RequestsPerSecond is the sustained request rate per destination.
	// Default: 10
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the request burst allowed per destination.
	// Default: 20
	Burst int `yaml:"burst"`
}

// BackoffConfig configures retry delays for events whose fetch failed.
type BackoffConfig struct {
	// Base is multiplied by the square of the attempt count.
	// Default: 5m
	Base time.Duration `yaml:"base"`

	// Max caps the delay.
	// Default: 24h
	Max time.Duration `yaml:"max"`
}

// BackfillConfig configures history fetches.
type BackfillConfig struct {
	// Limit is the number of events requested per backfill.
	// Default: 100
	Limit int `yaml:"limit"`
}

// AppserviceConfig lists application service registrations.
type AppserviceConfig struct {
	// RegistrationFiles are YAML registration files, loaded at
	// startup.
	RegistrationFiles []string `yaml:"registration_files"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "roomserver")

	return &Config{
		Environment:    Development,
		Root:           defaultRoot,
		SigningKeyPath: "${ROOMSERVER_ROOT}/signing.key",
		LogLevel:       "info",
		Database: DatabaseConfig{
			Path:     "${ROOMSERVER_ROOT}/rooms.db",
			PoolSize: 4,
		},
		Federation: FederationConfig{
			Enabled:           true,
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Backoff: BackoffConfig{
			Base: 5 * time.Minute,
			Max:  24 * time.Hour,
		},
		Backfill: BackfillConfig{
			Limit: 100,
		},
	}
}

// Load loads configuration from the ROOMSERVER_CONFIG environment
// variable.
//
// There are no fallbacks or defaults - if ROOMSERVER_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("ROOMSERVER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ROOMSERVER_CONFIG environment variable not set; " +
			"set it to the path of your roomserver.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".jsonc") {
		data = jsonc.ToJSON(data)
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: shorter federation timeouts.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Federation: &FederationConfig{
					Enabled:        c.Federation.Enabled,
					RequestTimeout: 10 * time.Second,
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}

	if overrides.Database != nil {
		if overrides.Database.Path != "" {
			c.Database.Path = overrides.Database.Path
		}
		if overrides.Database.PoolSize != 0 {
			c.Database.PoolSize = overrides.Database.PoolSize
		}
	}

	if overrides.Federation != nil {
		// Enabled is a bool, so we always apply it from overrides.
		c.Federation.Enabled = overrides.Federation.Enabled
		if len(overrides.Federation.TrustedServers) > 0 {
			c.Federation.TrustedServers = overrides.Federation.TrustedServers
		}
		if overrides.Federation.RequestTimeout != 0 {
			c.Federation.RequestTimeout = overrides.Federation.RequestTimeout
		}
		if overrides.Federation.RequestsPerSecond != 0 {
			c.Federation.RequestsPerSecond = overrides.Federation.RequestsPerSecond
		}
		if overrides.Federation.Burst != 0 {
			c.Federation.Burst = overrides.Federation.Burst
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"ROOMSERVER_ROOT": c.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Root = expandVars(c.Root, vars)
	vars["ROOMSERVER_ROOT"] = c.Root // Update for dependent paths.

	c.SigningKeyPath = expandVars(c.SigningKeyPath, vars)
	c.Database.Path = expandVars(c.Database.Path, vars)
	for i, path := range c.Appservice.RegistrationFiles {
		c.Appservice.RegistrationFiles[i] = expandVars(path, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate checks the configuration for errors. Every problem is
// reported, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	} else if strings.ContainsAny(c.ServerName, "/@!#$ ") {
		errs = append(errs, fmt.Errorf("server_name %q is not a valid server name", c.ServerName))
	}

	if c.SigningKeyPath == "" {
		errs = append(errs, fmt.Errorf("signing_key_path is required"))
	}

	if !slices.Contains(logLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of: %v", logLevels))
	} else if c.Environment == Production && c.LogLevel == "debug" {
		errs = append(errs, fmt.Errorf("log_level debug is not allowed in production"))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Database.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("database.pool_size must be at least 1, got %d", c.Database.PoolSize))
	}

	if c.Federation.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("federation.request_timeout must be positive"))
	}
	if c.Federation.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("federation.requests_per_second must be positive"))
	}
	if c.Federation.Burst < 1 {
		errs = append(errs, fmt.Errorf("federation.burst must be at least 1"))
	}

	if c.Backoff.Base <= 0 {
		errs = append(errs, fmt.Errorf("backoff.base must be positive"))
	}
	if c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff.max (%s) is below backoff.base (%s)", c.Backoff.Max, c.Backoff.Base))
	}

	if c.Backfill.Limit < 1 {
		errs = append(errs, fmt.Errorf("backfill.limit must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel converts LogLevel for use with a slog handler. Unknown
// values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnsurePaths creates the directories the configured files live in.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Root,
		filepath.Dir(c.Database.Path),
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
