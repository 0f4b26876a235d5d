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

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hqbui/mediagen-be/internal/config"
	"github.com/hqbui/mediagen-be/internal/objectstore"
	"github.com/hqbui/mediagen-be/internal/provider"
	"github.com/hqbui/mediagen-be/internal/retry"
	"github.com/hqbui/mediagen-be/internal/storage"
	"github.com/hqbui/mediagen-be/internal/worker"
	"github.com/hqbui/mediagen-be/shared/logger"
	"github.com/hqbui/mediagen-be/shared/postgresql"
	"github.com/hqbui/mediagen-be/shared/rabbitmq"
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
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize object storage backend
	objects, err := initObjectStore(&cfg.Storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	appLogger.Info("Object storage initialized",
		slog.String("backend", cfg.Storage.Type),
	)

	// Initialize provider client
	providerClient, err := initProvider(&cfg.Replicate, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize provider client: %w", err)
	}

	jobStore := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	// Sweep old terminal jobs before taking on new work
	if cfg.Jobs.CleanupAfter > 0 {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		cutoff := time.Now().Add(-cfg.Jobs.CleanupAfter)
		removed, err := jobStore.DeleteTerminalBefore(cleanupCtx, cutoff)
		cleanupCancel()
		if err != nil {
			appLogger.Warn("Failed to clean up old jobs",
				slog.Any("error", err),
			)
		} else if removed > 0 {
			appLogger.Info("Cleaned up old terminal jobs",
				slog.Int64("removed", removed),
				slog.Time("cutoff", cutoff),
			)
		}
	}

	workerID := workerIdentity()

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		Store:         jobStore,
		Provider:      providerClient,
		Objects:       objects,
		RabbitClient:  rabbitClient,
		WorkerID:      workerID,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		MaxQueued:     cfg.Worker.MaxJobs,
		DefaultModel:  cfg.Jobs.DefaultModel,
		PollInterval:  cfg.Replicate.PollInterval,
		MaxWaitTime:   cfg.Replicate.MaxWaitTime,
		RetryBackoff: retry.Policy{
			MaxAttempts: cfg.Jobs.MaxRetries,
			BaseDelay:   cfg.Jobs.RetryBackoffBase,
			MaxDelay:    cfg.Jobs.RetryBackoffMax,
		},
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerID),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// workerIdentity builds a consumer tag unique to this process.
func workerIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
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

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initObjectStore initializes the artifact storage backend
func initObjectStore(cfg *config.StorageConfig, logger *slog.Logger) (objectstore.Store, error) {
	storeConfig := &objectstore.Config{
		Type:      cfg.Type,
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Bucket:    cfg.Minio.Bucket,
		Secure:    cfg.Minio.Secure,
		LocalPath: cfg.Local.Path,
	}

	return objectstore.New(storeConfig, logger)
}

// initProvider initializes the inference provider client
func initProvider(cfg *config.ReplicateConfig, logger *slog.Logger) (*provider.Client, error) {
	providerConfig := &provider.Config{
		BaseURL:        cfg.APIURL,
		APIToken:       cfg.APIToken,
		RequestTimeout: cfg.RequestTimeout,
		CreateRetry: retry.Policy{
			MaxAttempts: cfg.CreateRetry.Attempts,
			BaseDelay:   cfg.CreateRetry.BaseDelay,
			MaxDelay:    cfg.CreateRetry.MaxDelay,
		},
		PollRetry: retry.Policy{
			MaxAttempts: cfg.PollRetry.Attempts,
			BaseDelay:   cfg.PollRetry.BaseDelay,
			MaxDelay:    cfg.PollRetry.MaxDelay,
		},
	}

	return provider.NewClient(providerConfig, logger)
}
