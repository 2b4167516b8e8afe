package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Stages   StagesConfig   `yaml:"stages"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Exchange    string           `yaml:"exchange"`
	MaxPriority int              `yaml:"max_priority"`
	Connection  ConnectionConfig `yaml:"connection"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	Queues          []string      `yaml:"queues"`
	SoftTimeout     time.Duration `yaml:"soft_timeout"`
	HardTimeout     time.Duration `yaml:"hard_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PipelineConfig holds orchestration policy configuration
type PipelineConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	JoinPolicy        string        `yaml:"join_policy"`
	DefaultPriority   int           `yaml:"default_priority"`
	DefaultCollection string        `yaml:"default_collection"`
	ResultTTL         time.Duration `yaml:"result_ttl"`
	CleanupSchedule   string        `yaml:"cleanup_schedule"`
}

// StagesConfig holds stage-function configuration
type StagesConfig struct {
	MaxDocumentBytes int64         `yaml:"max_document_bytes"`
	ChunkSize        int           `yaml:"chunk_size"`
	ChunkOverlap     int           `yaml:"chunk_overlap"`
	EmbeddingURL     string        `yaml:"embedding_url"`
	MetadataURL      string        `yaml:"metadata_url"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	EmbedRateRPS     float64       `yaml:"embed_rate_rps"`
	EmbedRateBurst   int           `yaml:"embed_rate_burst"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}
	if c.RabbitMQ.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline max_retries must not be negative")
	}
	switch c.Pipeline.JoinPolicy {
	case "", "fail_fast", "best_effort":
	default:
		return fmt.Errorf("invalid pipeline join_policy: %q", c.Pipeline.JoinPolicy)
	}
	return nil
}

// ValidateAPIConfig checks fields the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return c.validateShared()
}

// ValidateWorkerConfig checks fields the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if c.Worker.HardTimeout <= 0 {
		return fmt.Errorf("worker hard_timeout must be greater than 0")
	}
	if c.Worker.SoftTimeout < 0 || c.Worker.SoftTimeout > c.Worker.HardTimeout {
		return fmt.Errorf("worker soft_timeout must be between 0 and hard_timeout")
	}
	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}
	if c.Stages.EmbeddingURL == "" {
		return fmt.Errorf("stages embedding_url is required")
	}
	if c.Stages.MetadataURL == "" {
		return fmt.Errorf("stages metadata_url is required")
	}
	return c.validateShared()
}
