package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "docpipe",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: "docpipe.work",
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			SoftTimeout:     time.Minute,
			HardTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxRetries: 3,
			JoinPolicy: "fail_fast",
		},
		Stages: StagesConfig{
			EmbeddingURL: "http://localhost:9100/embed",
			MetadataURL:  "http://localhost:9101/extract",
		},
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "docpipe", cfg.Database.Database)
				assert.Equal(t, "docpipe.work", cfg.RabbitMQ.Exchange)
				assert.Equal(t, 10, cfg.RabbitMQ.MaxPriority)
				assert.Equal(t, "docpipe-api", cfg.App.Name)
				assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
				assert.Equal(t, "fail_fast", cfg.Pipeline.JoinPolicy)
				assert.Equal(t, 24*time.Hour, cfg.Pipeline.ResultTTL)
				assert.Equal(t, 1000, cfg.Stages.ChunkSize)
			}
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = -1 },
			wantErr:   true,
			errString: "invalid database port",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "negative max retries",
			mutate:    func(c *Config) { c.Pipeline.MaxRetries = -1 },
			wantErr:   true,
			errString: "max_retries must not be negative",
		},
		{
			name:      "unknown join policy",
			mutate:    func(c *Config) { c.Pipeline.JoinPolicy = "quorum" },
			wantErr:   true,
			errString: "invalid pipeline join_policy",
		},
		{
			name:    "empty join policy is allowed",
			mutate:  func(c *Config) { c.Pipeline.JoinPolicy = "" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "zero hard timeout",
			mutate:    func(c *Config) { c.Worker.HardTimeout = 0 },
			wantErr:   true,
			errString: "hard_timeout must be greater than 0",
		},
		{
			name:      "soft timeout above hard timeout",
			mutate:    func(c *Config) { c.Worker.SoftTimeout = 5 * time.Minute },
			wantErr:   true,
			errString: "soft_timeout must be between 0 and hard_timeout",
		},
		{
			name:      "zero shutdown timeout",
			mutate:    func(c *Config) { c.Worker.ShutdownTimeout = 0 },
			wantErr:   true,
			errString: "shutdown_timeout must be greater than 0",
		},
		{
			name:      "missing embedding url",
			mutate:    func(c *Config) { c.Stages.EmbeddingURL = "" },
			wantErr:   true,
			errString: "embedding_url is required",
		},
		{
			name:      "missing metadata url",
			mutate:    func(c *Config) { c.Stages.MetadataURL = "" },
			wantErr:   true,
			errString: "metadata_url is required",
		},
		{
			name:      "worker still needs database",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
