package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datapilot/insight-worker/internal/insight"
	"github.com/datapilot/insight-worker/internal/metrics"
	"github.com/datapilot/insight-worker/internal/retry"
	"github.com/datapilot/insight-worker/internal/worker/domain"
	"github.com/datapilot/insight-worker/internal/worker/storage"
)

// Analyzer turns an uploaded file into computed facts.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (*insight.Facts, error)
}

// InsightGenerator produces an insight bundle from facts. It never fails;
// degraded paths return a fallback bundle.
type InsightGenerator interface {
	Generate(ctx context.Context, facts *insight.Facts, jobID string) *insight.Bundle
}

// BlobStore stores and retrieves job files and result artifacts.
type BlobStore interface {
	// EnsureLocalPath makes the blob behind ref available on local disk.
	EnsureLocalPath(ctx context.Context, ref string) (string, error)
	// Save persists data under the job's namespace and returns its ref.
	Save(ctx context.Context, data []byte, name, jobID string) (string, error)
}

// Processor runs a single job through its lifecycle: fetch, parse, analyze,
// generate insights, persist. Between phases it re-reads the job record so
// cancellation and timeout take effect at the next checkpoint.
type Processor struct {
	logger      *slog.Logger
	store       storage.JobStore
	blobs       BlobStore
	analyzer    Analyzer
	generator   InsightGenerator
	fetchPolicy retry.Policy
	now         func() time.Time
}

func NewProcessor(
	logger *slog.Logger,
	store storage.JobStore,
	blobs BlobStore,
	analyzer Analyzer,
	generator InsightGenerator,
	fetchPolicy retry.Policy,
) *Processor {
	return &Processor{
		logger:      logger,
		store:       store,
		blobs:       blobs,
		analyzer:    analyzer,
		generator:   generator,
		fetchPolicy: fetchPolicy,
		now:         time.Now,
	}
}

// Process handles one queue item. A nil return means the item is settled:
// completed, failed with a recorded error, or dropped because the job was
// cancelled or its record is gone. A non-nil return is an infrastructure
// error writing the outcome, and the item should be redelivered.
func (p *Processor) Process(ctx context.Context, item domain.QueueItem) error {
	log := p.logger.With(slog.String("job_id", item.JobID))
	start := p.now()
	metrics.JobsReceivedTotal.Inc()

	record, err := p.store.Get(ctx, item.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			log.Warn("Dropping queue item with no job record")
			return nil
		}
		return fmt.Errorf("failed to load job record: %w", err)
	}

	if domain.IsTerminal(record.Status) {
		log.Info("Skipping settled job", slog.String("status", string(record.Status)))
		return nil
	}
	if record.TimedOut(p.now()) {
		return p.fail(ctx, item.JobID, domain.ErrCodeTimeout, "job exceeded its processing deadline before starting", start)
	}

	started := p.now().UTC()
	if _, err := p.store.Update(ctx, item.JobID, func(r *domain.JobRecord) {
		r.Status = domain.StatusProcessing
		r.StartedAt = &started
	}); err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	log.Info("Job started", slog.String("file", item.FileName))

	bundle, jobErr := p.run(ctx, log, item)
	if jobErr != nil {
		var je *domain.JobError
		switch {
		case errors.Is(jobErr, domain.ErrJobCancelled):
			log.Info("Job cancelled, stopping work")
			return nil
		case errors.Is(jobErr, context.Canceled):
			return p.fail(ctx, item.JobID, domain.ErrCodeWorkerShutdown, "worker shut down during processing", start)
		case errors.Is(jobErr, domain.ErrJobTimedOut):
			return p.fail(ctx, item.JobID, domain.ErrCodeTimeout, "job exceeded its processing deadline", start)
		case errors.As(jobErr, &je):
			return p.fail(ctx, item.JobID, je.Code, je.Error(), start)
		default:
			return p.fail(ctx, item.JobID, domain.ErrCodeInternal, jobErr.Error(), start)
		}
	}

	resultData, err := json.Marshal(bundle)
	if err != nil {
		return p.fail(ctx, item.JobID, domain.ErrCodeInternal, fmt.Sprintf("failed to encode result: %v", err), start)
	}
	resultRef, err := p.blobs.Save(ctx, resultData, "result.json", item.JobID)
	if err != nil {
		return p.fail(ctx, item.JobID, domain.ErrCodeStorage, fmt.Sprintf("failed to persist result: %v", err), start)
	}

	updated, err := p.store.Update(ctx, item.JobID, func(r *domain.JobRecord) {
		r.Status = domain.StatusCompleted
		r.ResultRef = resultRef
		r.Error = ""
		r.ErrorMessage = ""
	})
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	if updated.Status != domain.StatusCompleted {
		// Cancel raced the final write; the result artifact stays but the
		// job remains cancelled.
		log.Info("Job cancelled before completion could be recorded")
		return nil
	}

	p.observe(domain.StatusCompleted, start)
	log.Info("Job completed",
		slog.Int("insights", len(bundle.Insights)),
		slog.Duration("duration", p.now().Sub(start)),
	)
	return nil
}

// run executes the processing phases. It returns the bundle or an error
// classifying why the job cannot complete.
func (p *Processor) run(ctx context.Context, log *slog.Logger, item domain.QueueItem) (*insight.Bundle, error) {
	if err := p.checkpoint(ctx, item.JobID); err != nil {
		return nil, err
	}

	path, err := retry.Do(ctx, p.fetchPolicy, retry.Transient, "fetch_file", log,
		func(ctx context.Context) (string, error) {
			return p.blobs.EnsureLocalPath(ctx, item.FileRef)
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, domain.NewJobError(domain.ErrCodeStorage, err)
	}

	if err := p.checkpoint(ctx, item.JobID); err != nil {
		return nil, err
	}

	facts, err := p.analyzer.Analyze(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, domain.NewJobError(domain.ErrCodeParse, err)
	}
	log.Info("Analysis complete",
		slog.Int("rows", facts.KPIs.RowCount),
		slog.Int("columns", facts.KPIs.ColumnCount),
	)

	if err := p.checkpoint(ctx, item.JobID); err != nil {
		return nil, err
	}

	bundle := p.generator.Generate(ctx, facts, item.JobID)

	if err := p.checkpoint(ctx, item.JobID); err != nil {
		return nil, err
	}
	return bundle, nil
}

// checkpoint re-reads the record and stops work if the job was cancelled,
// ran out its deadline, or the worker is shutting down.
func (p *Processor) checkpoint(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return context.Canceled
	}
	record, err := p.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return domain.ErrJobCancelled
		}
		return err
	}
	if record.Status == domain.StatusCancelled {
		return domain.ErrJobCancelled
	}
	if record.TimedOut(p.now()) {
		return domain.ErrJobTimedOut
	}
	return nil
}

// fail records a terminal failure: error.json artifact plus the failed
// status. Writes use a detached context so a shutdown still settles the job.
func (p *Processor) fail(ctx context.Context, jobID, code, message string, start time.Time) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	artifact, _ := json.Marshal(map[string]string{
		"jobId":     jobID,
		"status":    domain.StatusFailed,
		"error":     code,
		"message":   message,
		"timestamp": p.now().UTC().Format(time.RFC3339),
	})
	if _, err := p.blobs.Save(wctx, artifact, "error.json", jobID); err != nil {
		p.logger.Warn("Failed to write error artifact",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	updated, err := p.store.Update(wctx, jobID, func(r *domain.JobRecord) {
		r.Status = domain.StatusFailed
		r.Error = code
		r.ErrorMessage = message
	})
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if updated.Status == domain.StatusFailed {
		p.observe(domain.StatusFailed, start)
	}

	p.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("code", code),
		slog.String("message", message),
	)
	return nil
}

func (p *Processor) observe(status string, start time.Time) {
	metrics.JobsCompletedTotal.WithLabelValues(status).Inc()
	metrics.JobDuration.Observe(p.now().Sub(start).Seconds())
}
