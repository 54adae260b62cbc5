package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for RouterWatch Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Fleet     FleetConfig     `yaml:"fleet"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies the operator installation.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings (device event history).
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// StoreConfig contains the bbolt key-value store settings (device metadata).
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig contains the transport defaults applied to every device connection.
//
// Each router is reached through its own broker endpoint; the values here are
// used when a device entry does not override them.
type MQTTConfig struct {
	Scheme         string `yaml:"scheme"`
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	QoS            int    `yaml:"qos"`
	ClientIDPrefix string `yaml:"client_id_prefix"`

	// Timing values are in seconds.
	ConnectTimeout  int `yaml:"connect_timeout"`
	KeepAlive       int `yaml:"keep_alive"`
	ReconnectPeriod int `yaml:"reconnect_period"`

	TLS MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains TLS settings for broker connections.
type MQTTTLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Lab use only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// FleetConfig contains the monitored device set and reconciliation settings.
type FleetConfig struct {
	// WatchdogTimeout is the liveness window in seconds. Default: 70
	// (keepalive of 60s plus one missed beat).
	WatchdogTimeout int `yaml:"watchdog_timeout"`

	// HistoryLimit caps the device event history. Default: 100.
	HistoryLimit int `yaml:"history_limit"`

	// Devices is the initial desired device set.
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one router and how to reach its broker.
type DeviceConfig struct {
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name"`
	Broker   BrokerConfig `yaml:"broker"`
	Username string       `yaml:"username"`
	Password string       `yaml:"password"`
}

// BrokerConfig is a device's broker endpoint. Zero values fall back to MQTTConfig.
type BrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
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

// WebSocketConfig contains dashboard WebSocket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT      JWTConfig      `yaml:"jwt"`
	Operator OperatorConfig `yaml:"operator"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// OperatorConfig holds the dashboard operator login.
type OperatorConfig struct {
	Username string `yaml:"username"`

	// PasswordHash is an Argon2id PHC string, see auth.HashPassword.
	PasswordHash string `yaml:"password_hash"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ROUTERWATCH_SECTION_KEY
// For example: ROUTERWATCH_DATABASE_PATH, ROUTERWATCH_JWT_SECRET
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
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "RouterWatch",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/routerwatch.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Store: StoreConfig{
			Path: "./data/metadata.bolt",
		},
		MQTT: MQTTConfig{
			Scheme:          "wss",
			Port:            8884,
			Path:            "/mqtt",
			QoS:             0,
			ClientIDPrefix:  "routerwatch",
			ConnectTimeout:  10,
			KeepAlive:       60,
			ReconnectPeriod: 5,
		},
		Fleet: FleetConfig{
			WatchdogTimeout: 70,
			HistoryLimit:    100,
		},
		API: APIConfig{
			Host: "0.0.0.0",
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
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
			Operator: OperatorConfig{
				Username: "admin",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROUTERWATCH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ROUTERWATCH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ROUTERWATCH_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("ROUTERWATCH_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("ROUTERWATCH_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("ROUTERWATCH_OPERATOR_PASSWORD_HASH"); v != "" {
		cfg.Security.Operator.PasswordHash = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	switch c.MQTT.Scheme {
	case "ws", "wss", "tcp", "ssl", "mqtts":
	default:
		errs = append(errs, "mqtt.scheme must be one of ws, wss, tcp, ssl, mqtts")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Fleet.WatchdogTimeout <= c.MQTT.KeepAlive {
		errs = append(errs, "fleet.watchdog_timeout must exceed mqtt.keep_alive")
	}
	if c.Fleet.HistoryLimit <= 0 {
		errs = append(errs, "fleet.history_limit must be positive")
	}

	seen := make(map[string]bool, len(c.Fleet.Devices))
	for i, d := range c.Fleet.Devices {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Sprintf("fleet.devices[%d].id is required", i))
		case seen[d.ID]:
			errs = append(errs, fmt.Sprintf("fleet.devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
		if d.Broker.Host == "" {
			errs = append(errs, fmt.Sprintf("fleet.devices[%d].broker.host is required", i))
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Operators can reboot and reflash every router in the fleet, so a
	// guessable signing secret is not acceptable.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set ROUTERWATCH_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
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

// GetWatchdogTimeout returns the device liveness window as a Duration.
func (c *Config) GetWatchdogTimeout() time.Duration {
	return time.Duration(c.Fleet.WatchdogTimeout) * time.Second
}

// GetAccessTokenTTL returns the operator token lifetime as a Duration.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}
