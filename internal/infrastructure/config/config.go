package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the TrailScore station gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Station   StationConfig   `yaml:"station"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	Sync      SyncConfig      `yaml:"sync"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Console   ConsoleConfig   `yaml:"console"`
}

// StationConfig identifies this scoring station within the event.
type StationConfig struct {
	ID      string `yaml:"id"`
	Code    string `yaml:"code"`
	Name    string `yaml:"name"`
	EventID string `yaml:"event_id"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// UpstreamConfig contains central scoring service settings.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`
	// ProbeInterval is how often to probe upstream health while offline (seconds).
	ProbeInterval int `yaml:"probe_interval"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// NetworkTimeout bounds the network-first strategy in seconds.
	NetworkTimeout int `yaml:"network_timeout"`
	// MaxAge is the retention window for cached responses in hours.
	MaxAge int `yaml:"max_age"`
}

// SyncConfig contains pending-operation replay settings.
type SyncConfig struct {
	// MaxAttempts is the retry cap before an operation is surfaced to the judge.
	MaxAttempts int `yaml:"max_attempts"`
	// BatchSize is the maximum operations claimed per flush pass.
	BatchSize int `yaml:"batch_size"`
	// FlushDebounce suppresses duplicate connectivity triggers (seconds).
	FlushDebounce int `yaml:"flush_debounce"`
}

// MQTTConfig contains venue event bus connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains broker authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains console WebSocket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// TelemetryConfig contains InfluxDB sync-telemetry settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains token and session settings.
type SecurityConfig struct {
	Tokens   TokenConfig    `yaml:"tokens"`
	Registry RegistryConfig `yaml:"registry"`
}

// TokenConfig contains the dual token secrets and TTLs.
//
// AccessSecret and RefreshSecret are independent on purpose: a leak of the
// access-verification secret (exercised on every request) must not allow
// forging refresh tokens, which are only accepted at the rotation endpoint.
type TokenConfig struct {
	AccessSecret  string `yaml:"access_secret"`
	RefreshSecret string `yaml:"refresh_secret"`
	// AccessTTL in minutes.
	AccessTTL int `yaml:"access_ttl"`
	// RefreshTTL in minutes.
	RefreshTTL int `yaml:"refresh_ttl"`
}

// RegistryConfig selects the session registry backend.
type RegistryConfig struct {
	// Backend is "sqlite" (single gateway) or "redis" (multi-gateway venue).
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings for the shared registry.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ConsoleConfig contains settings for the optionally managed console kiosk process.
type ConsoleConfig struct {
	Managed bool     `yaml:"managed"`
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	// RestartDelay in seconds before restarting a crashed console.
	RestartDelay int `yaml:"restart_delay"`
	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TRAILSCORE_SECTION_KEY
// For example: TRAILSCORE_DATABASE_PATH, TRAILSCORE_UPSTREAM_URL
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Station: StationConfig{
			ID:   "station-001",
			Code: "S1",
			Name: "Station 1",
		},
		Database: DatabaseConfig{
			Path:        "./data/stationd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Upstream: UpstreamConfig{
			BaseURL:       "http://localhost:9000",
			Timeout:       10,
			ProbeInterval: 15,
		},
		Cache: CacheConfig{
			Enabled:        true,
			NetworkTimeout: 3,
			MaxAge:         72,
		},
		Sync: SyncConfig{
			MaxAttempts:   8,
			BatchSize:     50,
			FlushDebounce: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "trailscore-station",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			Tokens: TokenConfig{
				AccessTTL:  15,
				RefreshTTL: 1440,
			},
			Registry: RegistryConfig{
				Backend: "sqlite",
				Redis: RedisConfig{
					Addr: "localhost:6379",
				},
			},
		},
		Console: ConsoleConfig{
			RestartDelay:       5,
			MaxRestartAttempts: 10,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TRAILSCORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Station
	if v := os.Getenv("TRAILSCORE_STATION_ID"); v != "" {
		cfg.Station.ID = v
	}
	if v := os.Getenv("TRAILSCORE_EVENT_ID"); v != "" {
		cfg.Station.EventID = v
	}

	// Database
	if v := os.Getenv("TRAILSCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Upstream
	if v := os.Getenv("TRAILSCORE_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}

	// MQTT
	if v := os.Getenv("TRAILSCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TRAILSCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TRAILSCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Telemetry
	if v := os.Getenv("TRAILSCORE_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}

	// Redis registry
	if v := os.Getenv("TRAILSCORE_REDIS_ADDR"); v != "" {
		cfg.Security.Registry.Redis.Addr = v
	}
	if v := os.Getenv("TRAILSCORE_REDIS_PASSWORD"); v != "" {
		cfg.Security.Registry.Redis.Password = v
	}

	// Security - token secrets (IMPORTANT: always override in production)
	if v := os.Getenv("TRAILSCORE_ACCESS_SECRET"); v != "" {
		cfg.Security.Tokens.AccessSecret = v
	}
	if v := os.Getenv("TRAILSCORE_REFRESH_SECRET"); v != "" {
		cfg.Security.Tokens.RefreshSecret = v
	}
}

// minSecretLength is the minimum accepted length for token signing secrets.
// Scoring integrity depends on tokens being unforgeable; short secrets are
// brute-forceable offline from any captured token.
const minSecretLength = 32

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Station.ID == "" {
		errs = append(errs, "station.id is required")
	}
	if c.Station.EventID == "" {
		errs = append(errs, "station.event_id is required (set TRAILSCORE_EVENT_ID)")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Upstream.BaseURL == "" {
		errs = append(errs, "upstream.base_url is required")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, "sync.max_attempts must be at least 1")
	}

	switch c.Security.Registry.Backend {
	case "sqlite", "redis":
	default:
		errs = append(errs, "security.registry.backend must be \"sqlite\" or \"redis\"")
	}

	// Both secrets are required and must differ. A shared secret collapses
	// the two-key design back into one key.
	switch {
	case c.Security.Tokens.AccessSecret == "":
		errs = append(errs, "security.tokens.access_secret is required (set TRAILSCORE_ACCESS_SECRET)")
	case len(c.Security.Tokens.AccessSecret) < minSecretLength:
		errs = append(errs, "security.tokens.access_secret must be at least 32 characters")
	}
	switch {
	case c.Security.Tokens.RefreshSecret == "":
		errs = append(errs, "security.tokens.refresh_secret is required (set TRAILSCORE_REFRESH_SECRET)")
	case len(c.Security.Tokens.RefreshSecret) < minSecretLength:
		errs = append(errs, "security.tokens.refresh_secret must be at least 32 characters")
	}
	if c.Security.Tokens.AccessSecret != "" &&
		c.Security.Tokens.AccessSecret == c.Security.Tokens.RefreshSecret {
		errs = append(errs, "security.tokens.access_secret and refresh_secret must differ")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// AccessTTL returns the access token lifetime as a Duration.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.Security.Tokens.AccessTTL) * time.Minute
}

// RefreshTTL returns the refresh token lifetime as a Duration.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Security.Tokens.RefreshTTL) * time.Minute
}

// NetworkTimeout returns the cache network-first bound as a Duration.
func (c *Config) NetworkTimeout() time.Duration {
	return time.Duration(c.Cache.NetworkTimeout) * time.Second
}

// UpstreamTimeout returns the upstream per-request timeout as a Duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.Timeout) * time.Second
}
