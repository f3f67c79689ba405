package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all SDK configuration.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Flow     FlowConfig     `mapstructure:"flow"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Keystore KeystoreConfig `mapstructure:"keystore"`
	Log      LogConfig      `mapstructure:"log"`
}

type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PublishableKey string        `mapstructure:"publishable_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	Path             string        `mapstructure:"path"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
}

type FlowConfig struct {
	AutoDismissDelay time.Duration `mapstructure:"auto_dismiss_delay"`
	AssetRetryDelay  time.Duration `mapstructure:"asset_retry_delay"`
}

type StorageConfig struct {
	// Backend selects the pinned-session store: memory, redis, or postgres.
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type KeystoreConfig struct {
	// Passphrase seals the pinned-session pointer at rest. Empty disables sealing.
	Passphrase string `mapstructure:"passphrase"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: FLEXA.
// Nested keys use underscore: FLEXA_API_BASE_URL, FLEXA_STORAGE_BACKEND, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("api.base_url", "https://api.flexa.co")
	v.SetDefault("api.publishable_key", "")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("stream.path", "/events")
	v.SetDefault("stream.idle_timeout", "50m")
	v.SetDefault("stream.reconnect_backoff", "1s")
	v.SetDefault("stream.max_reconnects", 5)
	v.SetDefault("flow.auto_dismiss_delay", "2500ms")
	v.SetDefault("flow.asset_retry_delay", "1s")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.user", "postgres")
	v.SetDefault("storage.database.password", "postgres")
	v.SetDefault("storage.database.dbname", "flexa_spend")
	v.SetDefault("storage.database.sslmode", "disable")
	v.SetDefault("storage.database.max_conns", 10)
	v.SetDefault("storage.database.min_conns", 2)
	v.SetDefault("storage.database.conn_max_lifetime", "30m")
	v.SetDefault("keystore.passphrase", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: FLEXA_API_BASE_URL -> api.base_url
	v.SetEnvPrefix("FLEXA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional; env vars can supply everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
