package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// LogFileConfig represents a single log file to tail
type LogFileConfig struct {
	Path    string `mapstructure:"path" validate:"required"`
	Enabled bool   `mapstructure:"enabled"`
	// ServiceID attributes lines to a service; zero means host logs.
	ServiceID int64 `mapstructure:"service_id" validate:"gte=0"`
	IsSystem  bool  `mapstructure:"is_system"`
	IsStdErr  bool  `mapstructure:"is_stderr"`
}

// UpstreamServerConfig holds server connection settings
type UpstreamServerConfig struct {
	URL          string        `mapstructure:"url" validate:"required,url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// BatchingConfig holds batching configuration
type BatchingConfig struct {
	MaxSize   int           `mapstructure:"max_size" validate:"gt=0"`
	MaxWait   time.Duration `mapstructure:"max_wait" validate:"gt=0"`
	QueueSize int           `mapstructure:"queue_size" validate:"gt=0"`
}

// JSONParsingConfig controls merging of JSON log lines
type JSONParsingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MTLSConfig holds mTLS configuration
type MTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CACert     string `mapstructure:"ca_cert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	ServerName string `mapstructure:"server_name"`
}

// AgentConfig represents the complete device agent configuration
type AgentConfig struct {
	DeviceUUID  string               `mapstructure:"device_uuid" validate:"required"`
	APIKey      string               `mapstructure:"api_key" validate:"required"`
	LogFiles    []LogFileConfig      `mapstructure:"log_files" validate:"min=1,dive"`
	Server      UpstreamServerConfig `mapstructure:"server"`
	Batching    BatchingConfig       `mapstructure:"batching"`
	JSONParsing JSONParsingConfig    `mapstructure:"json_parsing"`
	MTLS        MTLSConfig           `mapstructure:"mtls"`
	StateFile   string               `mapstructure:"state_file" validate:"required"`
	LogLevel    string               `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string               `mapstructure:"log_format" validate:"oneof=json console"`
}

// MaxAgentBatch is the largest batch the server accepts.
const MaxAgentBatch = 10

// LoadAgentConfig loads the agent configuration from a file
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	v := newViper(configPath)

	// Set defaults
	v.SetDefault("device_uuid", "")
	v.SetDefault("api_key", "")
	v.SetDefault("server.url", "")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("server.max_retries", 5)
	v.SetDefault("server.retry_backoff", "1s")
	v.SetDefault("batching.max_size", MaxAgentBatch)
	v.SetDefault("batching.max_wait", "5s")
	v.SetDefault("batching.queue_size", 1000)
	v.SetDefault("json_parsing.enabled", false)
	v.SetDefault("mtls.enabled", false)
	v.SetDefault("state_file", "/var/lib/devlogs/agent-state.json")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config AgentConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.Batching.MaxSize > MaxAgentBatch {
		config.Batching.MaxSize = MaxAgentBatch
	}
	if config.MTLS.Enabled {
		if config.MTLS.CACert == "" || config.MTLS.ClientCert == "" || config.MTLS.ClientKey == "" {
			return nil, fmt.Errorf("mTLS certificates are required when mTLS is enabled")
		}
	}
	return &config, nil
}
