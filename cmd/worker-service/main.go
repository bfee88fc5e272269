package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/datapilot/insight-worker/internal/analysis"
	"github.com/datapilot/insight-worker/internal/blob"
	"github.com/datapilot/insight-worker/internal/breaker"
	"github.com/datapilot/insight-worker/internal/config"
	"github.com/datapilot/insight-worker/internal/insight"
	"github.com/datapilot/insight-worker/internal/llm"
	"github.com/datapilot/insight-worker/internal/retry"
	"github.com/datapilot/insight-worker/internal/worker"
	"github.com/datapilot/insight-worker/internal/worker/storage"
	"github.com/datapilot/insight-worker/shared/logger"
	"github.com/datapilot/insight-worker/shared/postgresql"
	"github.com/datapilot/insight-worker/shared/rabbitmq"
	"github.com/datapilot/insight-worker/shared/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker-service: %v\n", err)
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
	log.Info("Starting worker service",
		slog.String("environment", cfg.App.Environment),
		slog.String("queue", cfg.RabbitMQ.Queue),
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
		PrefetchCount: 1,
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

	policy := retry.Policy{
		Attempts:     cfg.Retry.Attempts,
		InitialDelay: cfg.Retry.InitialDelay,
		Factor:       cfg.Retry.Factor,
		MaxDelay:     cfg.Retry.MaxDelay,
	}

	var caller insight.Caller
	if cfg.LLM.APIKey != "" && !cfg.LLM.Mock {
		client, err := llm.NewClient(ctx, log, llm.Config{
			APIKey:          cfg.LLM.APIKey,
			Model:           cfg.LLM.Model,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			CallTimeout:     cfg.LLM.CallTimeout,
			Temperature:     cfg.LLM.Temperature,
		})
		if err != nil {
			return err
		}
		caller = client
	} else if !cfg.LLM.Mock {
		log.Warn("No LLM API key configured, insights will use the deterministic fallback")
	}

	generator := insight.NewGenerator(&insight.Config{
		Logger: log,
		Caller: caller,
		Breaker: breaker.New(breaker.Config{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			Cooldown:  cfg.Breaker.Cooldown,
		}, log),
		Policy: policy,
		Mock:   cfg.LLM.Mock,
	})

	processor := worker.NewProcessor(
		log,
		store,
		blobs,
		analysis.NewCSVAnalyzer(log),
		generator,
		policy,
	)
	heartbeat := worker.NewHeartbeat(redisClient, log, cfg.Worker.HeartbeatInterval)
	w := worker.New(log, queue, processor, heartbeat, cfg.Worker.ConsumerTag)

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	// Give the in-flight job a bounded window to settle before exiting.
	shutdownTimer := time.NewTimer(cfg.Worker.ShutdownTimeout)
	defer shutdownTimer.Stop()
	select {
	case <-errCh:
		log.Info("Worker stopped cleanly")
	case <-shutdownTimer.C:
		log.Warn("Shutdown timeout elapsed, exiting")
	}
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
