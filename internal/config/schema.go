package config

import (
	"time"
)

// Config is the root configuration structure
type Config struct {
	Version    int              `yaml:"version"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Connection ConnectionConfig `yaml:"connection"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// DiscoveryConfig controls how and when the registry is scanned
type DiscoveryConfig struct {
	Action          string        `yaml:"action"`
	RefreshInterval Duration      `yaml:"refresh_interval"` // 0 disables periodic refresh
	Watch           bool          `yaml:"watch"`            // refresh when manifest paths change
	EvictMissing    bool          `yaml:"evict_missing"`
	Sources         SourcesConfig `yaml:"sources"`
}

// SourcesConfig lists the registry sources consulted by a scan
type SourcesConfig struct {
	Manifests ManifestSourceConfig `yaml:"manifests"`
	Database  DatabaseSourceConfig `yaml:"database"`
	Network   NetworkSourceConfig  `yaml:"network"`
}

// ManifestSourceConfig reads provider.yaml manifests from the filesystem
type ManifestSourceConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Paths    []string `yaml:"paths,omitempty"`
	MaxDepth int      `yaml:"max_depth"`
}

// DatabaseSourceConfig reads registrations from a SQLite database
type DatabaseSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NetworkSourceConfig discovers providers listening on the network
type NetworkSourceConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Targets           []string `yaml:"targets,omitempty"` // CIDR ranges or hosts
	Ports             string   `yaml:"ports"`
	ServiceDetection  bool     `yaml:"service_detection"`
	SkipHostDiscovery bool     `yaml:"skip_host_discovery"`
	Timeout           Duration `yaml:"timeout"`
}

// ConnectionConfig controls how providers are bound
type ConnectionConfig struct {
	Transport          string        `yaml:"transport"` // process, ssh
	BindTimeout        Duration      `yaml:"bind_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialBackoff     Duration      `yaml:"initial_backoff"`
	MaxBackoff         Duration      `yaml:"max_backoff"`
	MaxConcurrentBinds int           `yaml:"max_concurrent_binds"`
	Process            ProcessConfig `yaml:"process"`
	SSH                SSHConfig     `yaml:"ssh"`
}

// ProcessConfig configures the local process transport
type ProcessConfig struct {
	ModulesDir string `yaml:"modules_dir"`
	SocketDir  string `yaml:"socket_dir"`
}

// SSHConfig configures the SSH transport. Paths only, never key material.
type SSHConfig struct {
	User           string `yaml:"user"`
	Port           int    `yaml:"port"`
	KeyPath        string `yaml:"key_path,omitempty"`
	PasswordEnv    string `yaml:"password_env,omitempty"`
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`
}

// PlaybackConfig identifies the playback endpoint
type PlaybackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Module     string `yaml:"module"`
	EntryPoint string `yaml:"entry"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// TelemetryConfig controls the metrics endpoint
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HTTPConfig holds the API listener settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
