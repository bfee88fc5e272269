// Package worker consumes queue items and runs jobs through their lifecycle.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/datapilot/insight-worker/internal/worker/domain"
	"github.com/datapilot/insight-worker/shared/rabbitmq"
)

// Worker pulls items off the job queue one at a time and processes them
// sequentially. Sequential consumption keeps job ordering and makes the
// circuit breaker state meaningful across consecutive jobs.
type Worker struct {
	logger    *slog.Logger
	queue     *rabbitmq.Client
	processor *Processor
	heartbeat *Heartbeat
	tag       string
}

func New(logger *slog.Logger, queue *rabbitmq.Client, processor *Processor, heartbeat *Heartbeat, tag string) *Worker {
	return &Worker{
		logger:    logger,
		queue:     queue,
		processor: processor,
		heartbeat: heartbeat,
		tag:       tag,
	}
}

// Run consumes until ctx is cancelled. A job in flight when shutdown begins
// is settled as failed with a worker_shutdown error by the processor.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.Consume(w.tag)
	if err != nil {
		return err
	}

	if w.heartbeat != nil {
		go w.heartbeat.Run(ctx)
	}

	w.logger.Info("Worker started", slog.String("consumer_tag", w.tag))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Error("Delivery channel closed")
				return nil
			}
			w.handle(ctx, delivery)
		}
	}
}

func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	var item domain.QueueItem
	if err := json.Unmarshal(delivery.Body, &item); err != nil || item.JobID == "" {
		w.logger.Error("Discarding malformed queue item",
			slog.Any("error", err),
			slog.Int("body_size", len(delivery.Body)),
		)
		_ = delivery.Nack(false, false)
		return
	}

	start := time.Now()
	if err := w.processor.Process(ctx, item); err != nil {
		w.logger.Error("Failed to settle job, requeueing",
			slog.String("job_id", item.JobID),
			slog.Any("error", err),
		)
		_ = delivery.Nack(false, true)
		return
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ack delivery",
			slog.String("job_id", item.JobID),
			slog.Any("error", err),
		)
		return
	}
	w.logger.Debug("Queue item settled",
		slog.String("job_id", item.JobID),
		slog.Duration("elapsed", time.Since(start)),
	)
}
