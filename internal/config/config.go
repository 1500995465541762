// Package config provides configuration management for the provider lookup daemon.
//
// Config file locations (priority order):
//  1. $PLUGINLOOKUP_CONFIG
//  2. ./pluginlookup.yaml
//  3. ~/.config/pluginlookup/config.yaml
//  4. /etc/pluginlookup/config.yaml
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pluginlookup/internal/domain"
)

// Transports understood by the connection layer
const (
	TransportProcess = "process"
	TransportSSH     = "ssh"
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()

	if path == "" {
		return DefaultConfig(), "", nil
	}

	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes YAML config data and fills in defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	cfg := &Config{
		Discovery: DiscoveryConfig{
			RefreshInterval: Duration(5 * time.Minute),
			Sources: SourcesConfig{
				Manifests: ManifestSourceConfig{Enabled: true},
			},
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}

	d := &c.Discovery
	if d.Action == "" {
		d.Action = domain.ActionPickProvider
	}
	if len(d.Sources.Manifests.Paths) == 0 {
		d.Sources.Manifests.Paths = []string{"./providers"}
	}
	if d.Sources.Manifests.MaxDepth == 0 {
		d.Sources.Manifests.MaxDepth = 3
	}
	if d.Sources.Database.Path == "" {
		d.Sources.Database.Path = "./pluginlookup.db"
	}
	if d.Sources.Network.Ports == "" {
		d.Sources.Network.Ports = "7400-7410"
	}
	if d.Sources.Network.Timeout == 0 {
		d.Sources.Network.Timeout = Duration(2 * time.Minute)
	}

	conn := &c.Connection
	if conn.Transport == "" {
		conn.Transport = TransportProcess
	}
	if conn.BindTimeout == 0 {
		conn.BindTimeout = Duration(10 * time.Second)
	}
	if conn.MaxAttempts == 0 {
		conn.MaxAttempts = 5
	}
	if conn.InitialBackoff == 0 {
		conn.InitialBackoff = Duration(200 * time.Millisecond)
	}
	if conn.MaxBackoff == 0 {
		conn.MaxBackoff = Duration(5 * time.Second)
	}
	if conn.MaxConcurrentBinds == 0 {
		conn.MaxConcurrentBinds = 8
	}
	if conn.Process.ModulesDir == "" {
		conn.Process.ModulesDir = "./providers"
	}
	if conn.Process.SocketDir == "" {
		conn.Process.SocketDir = os.TempDir()
	}
	if conn.SSH.Port == 0 {
		conn.SSH.Port = 22
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Telemetry.Path == "" {
		c.Telemetry.Path = "/metrics"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3000"
	}
}

// Validate checks cross-field constraints that defaults cannot fix
func (c *Config) Validate() error {
	var errs []error

	src := c.Discovery.Sources
	if !src.Manifests.Enabled && !src.Database.Enabled && !src.Network.Enabled {
		errs = append(errs, errors.New("discovery: at least one source must be enabled"))
	}
	if src.Network.Enabled && len(src.Network.Targets) == 0 {
		errs = append(errs, errors.New("discovery.sources.network: targets are required"))
	}
	if c.Discovery.RefreshInterval < 0 {
		errs = append(errs, errors.New("discovery.refresh_interval must not be negative"))
	}

	conn := c.Connection
	switch conn.Transport {
	case TransportProcess:
	case TransportSSH:
		if conn.SSH.User == "" {
			errs = append(errs, errors.New("connection.ssh: user is required"))
		}
		if conn.SSH.KeyPath == "" && conn.SSH.PasswordEnv == "" {
			errs = append(errs, errors.New("connection.ssh: key_path or password_env is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("connection.transport: unknown transport %q", conn.Transport))
	}
	if conn.MaxAttempts < 1 {
		errs = append(errs, errors.New("connection.max_attempts must be at least 1"))
	}
	if conn.MaxBackoff < conn.InitialBackoff {
		errs = append(errs, errors.New("connection.max_backoff must not be below initial_backoff"))
	}
	if conn.MaxConcurrentBinds < 1 {
		errs = append(errs, errors.New("connection.max_concurrent_binds must be at least 1"))
	}

	if c.Playback.Enabled && (c.Playback.Module == "" || c.Playback.EntryPoint == "") {
		errs = append(errs, errors.New("playback: module and entry are required when enabled"))
	}

	return errors.Join(errs...)
}

// EnabledSources returns the names of the registry sources that are switched on
func (c *Config) EnabledSources() []string {
	var names []string
	src := c.Discovery.Sources
	if src.Manifests.Enabled {
		names = append(names, "manifests")
	}
	if src.Database.Enabled {
		names = append(names, "database")
	}
	if src.Network.Enabled {
		names = append(names, "network")
	}
	return names
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	summary := fmt.Sprintf("Action: %s, Sources: %s\n",
		c.Discovery.Action, strings.Join(c.EnabledSources(), ","))
	summary += fmt.Sprintf("Transport: %s, Bind timeout: %s, Attempts: %d, Concurrency: %d\n",
		c.Connection.Transport, c.Connection.BindTimeout.Duration(),
		c.Connection.MaxAttempts, c.Connection.MaxConcurrentBinds)
	summary += fmt.Sprintf("Refresh: %s, Watch: %v, Evict missing: %v",
		c.Discovery.RefreshInterval.Duration(), c.Discovery.Watch, c.Discovery.EvictMissing)
	return summary
}
