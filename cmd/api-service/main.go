package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/datapilot/insight-worker/internal/api/handler"
	"github.com/datapilot/insight-worker/internal/api/router"
	"github.com/datapilot/insight-worker/internal/blob"
	"github.com/datapilot/insight-worker/internal/config"
	"github.com/datapilot/insight-worker/internal/worker/storage"
	"github.com/datapilot/insight-worker/shared/logger"
	"github.com/datapilot/insight-worker/shared/postgresql"
	"github.com/datapilot/insight-worker/shared/rabbitmq"
	"github.com/datapilot/insight-worker/shared/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stdout",
	})
	log.Info("Starting API service",
		slog.String("environment", cfg.App.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	redisClient, err := redis.NewClient(&redis.Config{URL: cfg.Redis.URL}, log)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	queue, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:          cfg.RabbitMQ.Host,
		Port:          cfg.RabbitMQ.Port,
		User:          cfg.RabbitMQ.User,
		Password:      cfg.RabbitMQ.Password,
		VHost:         cfg.RabbitMQ.VHost,
		QueueName:     cfg.RabbitMQ.Queue,
		QueueDurable:  true,
		RetryAttempts: cfg.RabbitMQ.RetryAttempts,
		RetryInterval: cfg.RabbitMQ.RetryInterval,
		Heartbeat:     cfg.RabbitMQ.Heartbeat,
	}, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, closeBlobs, err := buildBlobStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBlobs()

	store := storage.NewRedisStore(redisClient, log, cfg.Redis.RecordTTL)

	h := handler.New(handler.Options{
		Logger:         log,
		Store:          store,
		Blobs:          blobs,
		Queue:          queue,
		RedisClient:    redisClient,
		QueueClient:    queue,
		JobTimeout:     cfg.Worker.JobTimeout,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		HeartbeatTTL:   3 * cfg.Worker.HeartbeatInterval,
	})

	engine := router.New(log, h, cfg.App.Environment)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("API server listening", slog.String("addr", server.Addr))

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("API server stopped")
	return nil
}

func buildBlobStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (blob.Store, func(), error) {
	if cfg.Blob.Backend == "local" {
		store, err := blob.NewLocalStore(cfg.Blob.LocalRoot)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}

	pg, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	store, err := blob.NewPostgresStore(ctx, pg, log, cfg.Blob.ScratchDir)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	return store, func() { pg.Close() }, nil
}
