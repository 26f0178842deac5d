package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds connection settings for the SublinkPro backend.
type ServerConfig struct {
	// BaseURL is the root URL of the backend API, e.g. "https://panel.example.com".
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// RequestTimeoutSec is the per-request timeout for REST calls.
	RequestTimeoutSec int `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// StreamConfig holds tuning for the server-push event stream.
type StreamConfig struct {
	// HeartbeatTimeoutMs is how long the client waits without any inbound
	// event before force-closing the connection. The server heartbeat cadence
	// is ~10s, so this must stay comfortably above it.
	HeartbeatTimeoutMs int `mapstructure:"heartbeat_timeout_ms" yaml:"heartbeat_timeout_ms"`

	// ReconnectDelayMs is the fixed delay before a reconnection attempt after
	// a transport error. Intentionally non-exponential: the panel is a
	// low-traffic admin surface and a flat retry keeps recovery predictable.
	ReconnectDelayMs int `mapstructure:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
}

// ProgressConfig holds tuning for the task progress store.
type ProgressConfig struct {
	// RemovalDelayMs is how long a finished task stays visible before it is
	// dropped from the active set.
	RemovalDelayMs int `mapstructure:"removal_delay_ms" yaml:"removal_delay_ms"`

	// EtaThresholdPct is the minimum completion percentage before a
	// remaining-time estimate is shown.
	EtaThresholdPct int `mapstructure:"eta_threshold_pct" yaml:"eta_threshold_pct"`
}

// IPLookupConfig holds tuning for the exit-IP lookup cache.
type IPLookupConfig struct {
	TTLDays  int `mapstructure:"ttl_days" yaml:"ttl_days"`
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// NotifyConfig holds tuning for the notification store.
type NotifyConfig struct {
	// MaxRecords caps the retained notification list (oldest evicted).
	MaxRecords int `mapstructure:"max_records" yaml:"max_records"`
}

// DatabaseConfig holds local store settings.
type DatabaseConfig struct {
	// URL is a database URL ("sqlite://<path>" or "postgres://...").
	// Empty selects the default sqlite file under the user config dir.
	URL string `mapstructure:"url" yaml:"url"`

	// HistoryRetentionDays controls how long terminal task snapshots are kept.
	HistoryRetentionDays int `mapstructure:"history_retention_days" yaml:"history_retention_days"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Stream   StreamConfig   `mapstructure:"stream" yaml:"stream"`
	Progress ProgressConfig `mapstructure:"progress" yaml:"progress"`
	IPLookup IPLookupConfig `mapstructure:"ip_lookup" yaml:"ip_lookup"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// RequestTimeout returns the REST request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// HeartbeatTimeout returns the stream watchdog window as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Stream.HeartbeatTimeoutMs) * time.Millisecond
}

// ReconnectDelay returns the stream reconnect delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Stream.ReconnectDelayMs) * time.Millisecond
}

// RemovalDelay returns how long terminal tasks linger before removal.
func (c *Config) RemovalDelay() time.Duration {
	return time.Duration(c.Progress.RemovalDelayMs) * time.Millisecond
}

// EtaThreshold returns the ETA threshold as a ratio in [0,1].
func (c *Config) EtaThreshold() float64 {
	return float64(c.Progress.EtaThresholdPct) / 100.0
}

// IPCacheTTL returns the IP-lookup cache TTL as a duration.
func (c *Config) IPCacheTTL() time.Duration {
	return time.Duration(c.IPLookup.TTLDays) * 24 * time.Hour
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/sublink-admin/config.yaml.
func DefaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(configDir, "sublink-admin", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://127.0.0.1:8000")
	v.SetDefault("server.request_timeout_sec", 30)
	v.SetDefault("stream.heartbeat_timeout_ms", 15000)
	v.SetDefault("stream.reconnect_delay_ms", 5000)
	v.SetDefault("progress.removal_delay_ms", 3000)
	v.SetDefault("progress.eta_threshold_pct", 5)
	v.SetDefault("ip_lookup.ttl_days", 7)
	v.SetDefault("ip_lookup.capacity", 100)
	v.SetDefault("notify.max_records", 50)
	v.SetDefault("database.url", "")
	v.SetDefault("database.history_retention_days", 90)
}

// Load reads configuration from the given YAML file path using Viper.
// A missing file is not an error: defaults plus SUBLINK_* environment
// overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SUBLINK")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}
