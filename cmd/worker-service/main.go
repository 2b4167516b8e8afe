package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sgbilod/docpipe/internal/broker"
	"github.com/sgbilod/docpipe/internal/config"
	"github.com/sgbilod/docpipe/internal/job"
	"github.com/sgbilod/docpipe/internal/pipeline"
	"github.com/sgbilod/docpipe/internal/resultstore"
	"github.com/sgbilod/docpipe/internal/stages"
	"github.com/sgbilod/docpipe/internal/worker"
	"github.com/sgbilod/docpipe/shared/logger"
	"github.com/sgbilod/docpipe/shared/postgresql"
	"github.com/sgbilod/docpipe/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger := initLogger(&cfg.Logging, cfg.App.Name)

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Result store, broker, orchestrator
	store := resultstore.NewPostgres(dbClient.GetDB(), appLogger.Logger)
	taskBroker := broker.NewRabbit(rabbitClient, appLogger.Logger)

	orch := pipeline.New(&pipeline.Config{
		Logger:            appLogger.Logger,
		Store:             store,
		Broker:            taskBroker,
		Join:              pipeline.JoinPolicy(cfg.Pipeline.JoinPolicy),
		DefaultCollection: cfg.Pipeline.DefaultCollection,
	})

	// Stage handlers
	registry := initRegistry(cfg, dbClient, appLogger.Logger)

	retryPolicy := job.RetryPolicy{
		MaxRetries: cfg.Pipeline.MaxRetries,
		BaseDelay:  cfg.Pipeline.RetryBaseDelay,
		MaxDelay:   cfg.Pipeline.RetryMaxDelay,
	}

	queues := cfg.Worker.Queues
	if len(queues) == 0 {
		queues = job.AllQueues()
	}

	pool := worker.NewPool(&worker.Config{
		Logger:       appLogger.Logger,
		Broker:       taskBroker,
		Orchestrator: orch,
		Registry:     registry,
		Concurrency:  cfg.Worker.Concurrency,
		Queues:       queues,
		SoftTimeout:  cfg.Worker.SoftTimeout,
		HardTimeout:  cfg.Worker.HardTimeout,
		Retry:        retryPolicy,
	})

	// A small dedicated pool keeps the slow network-bound stages from
	// starving parse and store work under load.
	branchPool := worker.NewPool(&worker.Config{
		Logger:       appLogger.Logger,
		Broker:       taskBroker,
		Orchestrator: orch,
		Registry:     registry,
		Concurrency:  2,
		Queues:       []string{job.QueueEmbed, job.QueueMetadata},
		SoftTimeout:  cfg.Worker.SoftTimeout,
		HardTimeout:  cfg.Worker.HardTimeout,
		Retry:        retryPolicy,
	})

	ctx := context.Background()
	pool.Start(ctx)
	branchPool.Start(ctx)

	appLogger.Info("Worker service is running",
		slog.Any("queues", queues),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down workers...")

	// In-flight stages finish; unacked deliveries return to their queues
	done := make(chan struct{})
	go func() {
		branchPool.Stop()
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker shutdown complete")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timed out, exiting anyway")
	}

	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, service string) *logger.Logger {
	return logger.New(&logger.Config{
		Level:     cfg.Level,
		Format:    cfg.Format,
		Service:   service,
		AddSource: cfg.EnableCaller,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client with the stage queue topology
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange,
		Queues:            job.AllQueues(),
		MaxPriority:       cfg.MaxPriority,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRegistry wires the five stage handlers
func initRegistry(cfg *config.Config, dbClient *postgresql.Client, logger *slog.Logger) *stages.Registry {
	parser := stages.NewParser(logger, cfg.Stages.MaxDocumentBytes)
	pre := stages.NewPreprocessor(cfg.Stages.ChunkSize, cfg.Stages.ChunkOverlap)

	embedder := stages.NewEmbedder(&stages.EmbedderConfig{
		Endpoint:       cfg.Stages.EmbeddingURL,
		RequestTimeout: cfg.Stages.RequestTimeout,
		RequestsPerSec: cfg.Stages.EmbedRateRPS,
		Burst:          cfg.Stages.EmbedRateBurst,
	}, logger)

	extractor := stages.NewMetadataExtractor(&stages.MetadataExtractorConfig{
		Endpoint:       cfg.Stages.MetadataURL,
		RequestTimeout: cfg.Stages.RequestTimeout,
	}, logger)

	docStore := stages.NewDocStore(dbClient.GetDB(), logger)

	return stages.NewRegistry(parser, pre, embedder, extractor, docStore)
}
