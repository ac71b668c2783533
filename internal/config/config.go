package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Session       SessionConfig       `mapstructure:"session"`
	Warnings      WarningsConfig      `mapstructure:"warnings"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	MockServer    MockServerConfig    `mapstructure:"mock_server"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type      string      `mapstructure:"type"`
	KeyPrefix string      `mapstructure:"key_prefix"`
	Redis     RedisConfig `mapstructure:"redis"`
	Bolt      BoltConfig  `mapstructure:"bolt"`
}

// BoltConfig defines the single-file storage backend
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// GatewayConfig defines how the parking server is reached
type GatewayConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Timeout string `mapstructure:"timeout"`
}

// SessionConfig defines session store behaviour
type SessionConfig struct {
	DefaultHourLimit float64 `mapstructure:"default_hour_limit"` // used when adopting a server-side session
	Announce         bool    `mapstructure:"announce"`           // post started/ended alerts
}

// WarningsConfig defines the expiry warning group
type WarningsConfig struct {
	LeadMinutes []int `mapstructure:"lead_minutes"`
}

// NotificationsConfig defines the local alert queue and dispatcher
type NotificationsConfig struct {
	Enabled         bool   `mapstructure:"enabled"` // false behaves like a denied notification permission
	PollInterval    string `mapstructure:"poll_interval"`
	ClaimBatch      int    `mapstructure:"claim_batch"`
	DedupeCacheSize int    `mapstructure:"dedupe_cache_size"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the metrics endpoint served by the dispatcher
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// MockServerConfig defines the in-memory reference parking server
type MockServerConfig struct {
	BindAddress     string      `mapstructure:"bind_address"`
	Port            int         `mapstructure:"port"`
	TokenSecret     string      `mapstructure:"token_secret"`
	StartingBalance float64     `mapstructure:"starting_balance"`
	Spaces          []MockSpace `mapstructure:"spaces"`
}

// MockSpace is one parking space offered by the mock server
type MockSpace struct {
	ID         string  `mapstructure:"id"`
	Label      string  `mapstructure:"label"`
	FeePerHour float64 `mapstructure:"fee_per_hour"`
}

// Load loads configuration from file and environment variables.
// An empty or missing configPath falls back to defaults and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PARKMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.key_prefix", "parkmeter")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.bolt.path", "/var/lib/parkmeter/parkmeter.db")

	// Gateway defaults
	v.SetDefault("gateway.base_url", "http://127.0.0.1:8088")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.timeout", "15s")

	// Session defaults
	v.SetDefault("session.default_hour_limit", 2.0)
	v.SetDefault("session.announce", true)

	// Warning defaults
	v.SetDefault("warnings.lead_minutes", []int{15, 5, 1})

	// Notification defaults
	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.poll_interval", "1s")
	v.SetDefault("notifications.claim_batch", 50)
	v.SetDefault("notifications.dedupe_cache_size", 1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9091)

	// Mock server defaults
	v.SetDefault("mock_server.bind_address", "127.0.0.1")
	v.SetDefault("mock_server.port", 8088)
	v.SetDefault("mock_server.starting_balance", 50.0)
	v.SetDefault("mock_server.token_secret", "")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	switch cfg.Storage.Type {
	case "redis":
	case "bolt":
		if cfg.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage bolt path is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Storage.KeyPrefix == "" {
		return fmt.Errorf("storage key prefix is required")
	}

	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base_url is required")
	}
	if _, err := url.ParseRequestURI(cfg.Gateway.BaseURL); err != nil {
		return fmt.Errorf("invalid gateway base_url %q: %w", cfg.Gateway.BaseURL, err)
	}

	if cfg.Session.DefaultHourLimit <= 0 {
		return fmt.Errorf("session default_hour_limit must be positive: %v", cfg.Session.DefaultHourLimit)
	}

	for _, m := range cfg.Warnings.LeadMinutes {
		if m <= 0 {
			return fmt.Errorf("warning lead time must be positive: %d", m)
		}
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}
	if cfg.MockServer.Port < 0 || cfg.MockServer.Port > 65535 {
		return fmt.Errorf("invalid mock server port: %d", cfg.MockServer.Port)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
