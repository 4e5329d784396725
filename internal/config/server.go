package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// HTTPServerConfig holds HTTP server settings
type HTTPServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LokiConfig holds Loki connection settings
type LokiConfig struct {
	URL           string        `mapstructure:"url"`
	TenantID      string        `mapstructure:"tenant_id"`
	Timeout       time.Duration `mapstructure:"timeout"`
	QueryLookback time.Duration `mapstructure:"query_lookback"`
	CACert        string        `mapstructure:"ca_cert"`
	ClientCert    string        `mapstructure:"client_cert"`
	ClientKey     string        `mapstructure:"client_key"`
	ServerName    string        `mapstructure:"server_name"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI                string        `mapstructure:"uri"`
	Database           string        `mapstructure:"database"`
	CollectionPrefix   string        `mapstructure:"collection_prefix"`
	CertificateKeyFile string        `mapstructure:"certificate_key_file"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxPoolSize        int           `mapstructure:"max_pool_size" validate:"gte=0"`
	TTLDays            int           `mapstructure:"ttl_days" validate:"gte=0"`
}

// StoreConfig selects and configures the log store
type StoreConfig struct {
	Driver  string        `mapstructure:"driver" validate:"oneof=loki mongodb memory"`
	Loki    LokiConfig    `mapstructure:"loki"`
	MongoDB MongoDBConfig `mapstructure:"mongodb"`
}

// RetrievalConfig bounds reads
type RetrievalConfig struct {
	MaxHistory   int `mapstructure:"max_history" validate:"gt=0"`
	StreamBuffer int `mapstructure:"stream_buffer" validate:"gt=0"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Driver            string        `mapstructure:"driver" validate:"oneof=memory redis"`
	RequestsPerWindow int           `mapstructure:"requests_per_window" validate:"gt=0"`
	Window            time.Duration `mapstructure:"window" validate:"gt=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
	Redis             RedisConfig   `mapstructure:"redis"`
}

// UserAPIKey maps an API key to the user it authenticates
type UserAPIKey struct {
	Key    string `mapstructure:"key" validate:"required"`
	UserID string `mapstructure:"user_id" validate:"required"`
}

// AuthConfig holds credential settings
type AuthConfig struct {
	JWTSecret   string       `mapstructure:"jwt_secret"`
	UserAPIKeys []UserAPIKey `mapstructure:"user_api_keys" validate:"dive"`
}

// ServerMTLSConfig holds mTLS configuration for the server
type ServerMTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CACert     string `mapstructure:"ca_cert"`
	ServerCert string `mapstructure:"server_cert"`
	ServerKey  string `mapstructure:"server_key"`
	ClientAuth string `mapstructure:"client_auth" validate:"oneof=require request none"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"startswith=/"`
}

// ServerConfig represents the complete server configuration
type ServerConfig struct {
	Server       HTTPServerConfig `mapstructure:"server"`
	Store        StoreConfig      `mapstructure:"store"`
	Retrieval    RetrievalConfig  `mapstructure:"retrieval"`
	RateLimiting RateLimitConfig  `mapstructure:"rate_limiting"`
	Auth         AuthConfig       `mapstructure:"auth"`
	DevicesFile  string           `mapstructure:"devices_file" validate:"required"`
	MTLS         ServerMTLSConfig `mapstructure:"mtls"`
	Metrics      MetricsConfig    `mapstructure:"metrics"`
	LogLevel     string           `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat    string           `mapstructure:"log_format" validate:"oneof=json console"`
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("DEVLOGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadServerConfig loads the server configuration from a file
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := newViper(configPath)

	// Set defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8443")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("store.driver", "loki")
	v.SetDefault("store.loki.url", "http://localhost:3100")
	v.SetDefault("store.loki.tenant_id", "")
	v.SetDefault("store.loki.timeout", "10s")
	v.SetDefault("store.loki.query_lookback", "720h")
	v.SetDefault("store.loki.ca_cert", "")
	v.SetDefault("store.loki.client_cert", "")
	v.SetDefault("store.loki.client_key", "")
	v.SetDefault("store.loki.server_name", "")
	v.SetDefault("store.mongodb.uri", "")
	v.SetDefault("store.mongodb.database", "devlogs")
	v.SetDefault("store.mongodb.collection_prefix", "logs_")
	v.SetDefault("store.mongodb.certificate_key_file", "")
	v.SetDefault("store.mongodb.timeout", "10s")
	v.SetDefault("store.mongodb.max_pool_size", 100)
	v.SetDefault("store.mongodb.ttl_days", 30)
	v.SetDefault("retrieval.max_history", 1000)
	v.SetDefault("retrieval.stream_buffer", 256)
	v.SetDefault("rate_limiting.enabled", true)
	v.SetDefault("rate_limiting.driver", "memory")
	v.SetDefault("rate_limiting.requests_per_window", 60)
	v.SetDefault("rate_limiting.window", "1m")
	v.SetDefault("rate_limiting.burst", 0)
	v.SetDefault("rate_limiting.redis.addr", "localhost:6379")
	v.SetDefault("rate_limiting.redis.password", "")
	v.SetDefault("rate_limiting.redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("devices_file", "/etc/devlogs/devices.yaml")
	v.SetDefault("mtls.enabled", false)
	v.SetDefault("mtls.ca_cert", "")
	v.SetDefault("mtls.server_cert", "")
	v.SetDefault("mtls.server_key", "")
	v.SetDefault("mtls.client_auth", "none")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config ServerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks field constraints and settings that depend on each other.
func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Store.Driver {
	case "loki":
		if c.Store.Loki.URL == "" {
			return fmt.Errorf("store.loki.url is required")
		}
		if (c.Store.Loki.ClientCert == "") != (c.Store.Loki.ClientKey == "") {
			return fmt.Errorf("store.loki.client_cert and store.loki.client_key must be set together")
		}
	case "mongodb":
		if c.Store.MongoDB.URI == "" {
			return fmt.Errorf("store.mongodb.uri is required")
		}
	}

	if c.RateLimiting.Enabled && c.RateLimiting.Driver == "redis" && c.RateLimiting.Redis.Addr == "" {
		return fmt.Errorf("rate_limiting.redis.addr is required for the redis driver")
	}
	if c.MTLS.Enabled {
		if c.MTLS.CACert == "" || c.MTLS.ServerCert == "" || c.MTLS.ServerKey == "" {
			return fmt.Errorf("mTLS certificates are required when mTLS is enabled")
		}
	}
	return nil
}

// UserKeys returns the configured user API keys indexed by key.
func (c *ServerConfig) UserKeys() map[string]string {
	out := make(map[string]string, len(c.Auth.UserAPIKeys))
	for _, k := range c.Auth.UserAPIKeys {
		out[k.Key] = k.UserID
	}
	return out
}
