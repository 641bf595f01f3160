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

	"github.com/draftloom/draftloom-be/internal/config"
	"github.com/draftloom/draftloom-be/internal/jobs"
	"github.com/draftloom/draftloom-be/internal/queue"
	"github.com/draftloom/draftloom-be/internal/stream"
	"github.com/draftloom/draftloom-be/internal/users"
	"github.com/draftloom/draftloom-be/internal/worker"
	"github.com/draftloom/draftloom-be/shared/logger"
	"github.com/draftloom/draftloom-be/shared/postgresql"
	"github.com/draftloom/draftloom-be/shared/redisbroker"
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

	if err := cfg.ValidateWorker(); err != nil {
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

	// Unlike the API, the worker is useless without a broker.
	redisClient, err := redisbroker.Ensure(appLogger.Logger)
	if err != nil {
		return err
	}

	workQueue := queue.New(redisClient, queue.Options{
		Name:          cfg.Queue.Name,
		KeepCompleted: cfg.Queue.KeepCompleted,
		BlockTimeout:  cfg.Queue.BlockTimeout,
	}, appLogger.Logger)

	jobService := jobs.NewService(
		jobs.NewPostgresStore(dbClient.GetDB()),
		workQueue,
		users.NewPostgresStore(dbClient.GetDB()),
		appLogger.Logger,
	)

	// TODO: replace the simulated handlers with the generation handlers once
	// the content-engine service client is extracted.
	handlers := make(map[jobs.TaskType]worker.TaskHandler)
	for _, taskType := range jobs.TaskTypes {
		handlers[taskType] = &worker.SimulatedHandler{}
	}

	runner := worker.NewRunner(&worker.Config{
		Logger:             appLogger.Logger,
		Lifecycle:          jobService,
		Queue:              workQueue,
		Publisher:          stream.NewRedisPublisher(redisClient, appLogger.Logger),
		Handlers:           handlers,
		Concurrency:        cfg.Worker.Concurrency,
		CancelPollInterval: cfg.Worker.CancelPollInterval,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start runner in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := runner.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service is running")

	// Wait for interrupt signal or runner failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		appLogger.Error("Worker runner failed",
			slog.Any("error", err),
		)
		return err
	case sig := <-quit:
		appLogger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)
	}

	appLogger.Info("Shutting down worker service...")
	cancel()

	// Give in-flight jobs a bounded window to finish
	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker runner drained")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Shutdown timeout exceeded, abandoning in-flight jobs")
	}

	if dbClient != nil {
		dbClient.Close()
	}
	if err := redisbroker.Close(); err != nil {
		appLogger.Error("Failed to close broker connection",
			slog.Any("error", err),
		)
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
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
