// Package handler implements the HTTP endpoints for job submission, status,
// cancellation, results and health.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datapilot/insight-worker/internal/api/dto"
	"github.com/datapilot/insight-worker/internal/blob"
	"github.com/datapilot/insight-worker/internal/worker"
	"github.com/datapilot/insight-worker/internal/worker/domain"
	"github.com/datapilot/insight-worker/internal/worker/storage"
)

// Publisher pushes queue items onto the job queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// KVHealth is the subset of the redis client the health check needs.
type KVHealth interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// QueueHealth reports queue connectivity.
type QueueHealth interface {
	IsConnected() bool
}

// Handler holds the dependencies of all job endpoints.
type Handler struct {
	logger         *slog.Logger
	store          storage.JobStore
	blobs          blob.Store
	queue          Publisher
	redisClient    KVHealth
	queueClient    QueueHealth
	jobTimeout     time.Duration
	maxUploadBytes int64
	heartbeatTTL   time.Duration
	now            func() time.Time
}

type Options struct {
	Logger         *slog.Logger
	Store          storage.JobStore
	Blobs          blob.Store
	Queue          Publisher
	RedisClient    KVHealth
	QueueClient    QueueHealth
	JobTimeout     time.Duration
	MaxUploadBytes int64
	HeartbeatTTL   time.Duration
}

func New(opts Options) *Handler {
	return &Handler{
		logger:         opts.Logger,
		store:          opts.Store,
		blobs:          opts.Blobs,
		queue:          opts.Queue,
		redisClient:    opts.RedisClient,
		queueClient:    opts.QueueClient,
		jobTimeout:     opts.JobTimeout,
		maxUploadBytes: opts.MaxUploadBytes,
		heartbeatTTL:   opts.HeartbeatTTL,
		now:            time.Now,
	}
}

// Submit accepts a multipart file upload, persists it, creates the job
// record and enqueues the job.
func (h *Handler) Submit(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "missing file field"})
		return
	}
	if h.maxUploadBytes > 0 && fileHeader.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "file too large"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unreadable upload"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unreadable upload"})
		return
	}

	jobID := uuid.New().String()
	fileName := filepath.Base(fileHeader.Filename)

	fileRef, err := h.blobs.Save(c.Request.Context(), data, fileName, jobID)
	if err != nil {
		h.logger.Error("Failed to store upload", slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to store file"})
		return
	}

	now := h.now().UTC()
	record := &domain.JobRecord{
		JobID:     jobID,
		FileName:  fileName,
		FileRef:   fileRef,
		Status:    domain.StatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(h.jobTimeout),
	}
	if err := h.store.Create(c.Request.Context(), record); err != nil {
		h.logger.Error("Failed to create job record", slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to create job"})
		return
	}

	item, _ := json.Marshal(domain.QueueItem{JobID: jobID, FileRef: fileRef, FileName: fileName})
	if err := h.queue.Publish(c.Request.Context(), item); err != nil {
		h.logger.Error("Failed to enqueue job", slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to enqueue job"})
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("file", fileName),
		slog.Int64("size", fileHeader.Size),
	)
	c.JSON(http.StatusAccepted, dto.SubmitResponse{JobID: jobID, Status: domain.StatusSubmitted})
}

// Status returns the job record. A processing job whose deadline has passed
// is reconciled to failed here, so a crashed worker cannot strand jobs in
// processing forever.
func (h *Handler) Status(c *gin.Context) {
	jobID := c.Param("id")
	record, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, jobID, err)
		return
	}

	if record.TimedOut(h.now()) {
		record, err = h.store.Update(c.Request.Context(), jobID, func(r *domain.JobRecord) {
			if !r.TimedOut(h.now()) {
				return
			}
			r.Status = domain.StatusFailed
			r.Error = domain.ErrCodeTimeout
			r.ErrorMessage = "job exceeded its processing deadline"
		})
		if err != nil {
			h.respondStoreError(c, jobID, err)
			return
		}
		h.logger.Warn("Reconciled stale processing job to failed", slog.String("job_id", jobID))
	}

	c.JSON(http.StatusOK, dto.FromRecord(record))
}

// Cancel requests cooperative cancellation. Terminal jobs cannot be
// cancelled; the worker honors the flag at its next checkpoint.
func (h *Handler) Cancel(c *gin.Context) {
	jobID := c.Param("id")
	record, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, jobID, err)
		return
	}
	if domain.IsTerminal(record.Status) {
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "job already " + record.Status})
		return
	}

	cancelledAt := h.now().UTC()
	record, err = h.store.Update(c.Request.Context(), jobID, func(r *domain.JobRecord) {
		if domain.IsTerminal(r.Status) {
			return
		}
		r.Status = domain.StatusCancelled
		r.CancelledAt = &cancelledAt
	})
	if err != nil {
		h.respondStoreError(c, jobID, err)
		return
	}

	h.logger.Info("Job cancelled", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, dto.FromRecord(record))
}

// Result streams the stored insight bundle for a completed job.
func (h *Handler) Result(c *gin.Context) {
	jobID := c.Param("id")
	record, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, jobID, err)
		return
	}
	if record.Status != domain.StatusCompleted || record.ResultRef == "" {
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "job has no result"})
		return
	}

	data, err := h.blobs.Load(c.Request.Context(), record.ResultRef)
	if err != nil {
		h.logger.Error("Failed to load result", slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to load result"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// Health reports readiness of the job pipeline: the record store, the queue
// connection and worker liveness via its heartbeat key.
func (h *Handler) Health(c *gin.Context) {
	checks := map[string]string{}
	healthy := true

	if err := h.redisClient.Ping(c.Request.Context()); err != nil {
		checks["redis"] = "down: " + err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	if h.queueClient != nil && h.queueClient.IsConnected() {
		checks["rabbitmq"] = "ok"
	} else {
		checks["rabbitmq"] = "down"
		healthy = false
	}

	ts, found, err := worker.LastHeartbeat(c.Request.Context(), h.redisClient)
	switch {
	case err != nil:
		checks["worker"] = "unknown: " + err.Error()
		healthy = false
	case !found:
		checks["worker"] = "no heartbeat"
		healthy = false
	case h.now().Sub(ts) > h.heartbeatTTL:
		checks["worker"] = "stale heartbeat"
		healthy = false
	default:
		checks["worker"] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, dto.HealthResponse{Status: state, Checks: checks})
}

func (h *Handler) respondStoreError(c *gin.Context, jobID string, err error) {
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
		return
	}
	h.logger.Error("Job store error", slog.String("job_id", jobID), slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error"})
}
