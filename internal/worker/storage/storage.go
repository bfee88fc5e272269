// Package storage persists job records in Redis.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/datapilot/insight-worker/internal/worker/domain"
	"github.com/datapilot/insight-worker/shared/redis"
)

const jobKeyPrefix = "job:"

// JobStore is the persistence contract for job records. The worker and the
// API service both read and mutate records through it.
type JobStore interface {
	// Get returns the record for a job, or domain.ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	// Create writes a fresh record. It does not check for collisions; job
	// IDs are UUIDs generated at submission.
	Create(ctx context.Context, record *domain.JobRecord) error
	// Update applies mutate to the current record and writes it back.
	// Returns the updated record. Status transitions are validated: a
	// mutation that would leave a terminal state is discarded and the
	// stored record is returned unchanged.
	Update(ctx context.Context, jobID string, mutate func(*domain.JobRecord)) (*domain.JobRecord, error)
}

// RedisStore keeps job records as JSON documents under job:{jobId}.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewRedisStore builds a store. ttl bounds how long finished records stay
// around; zero means no expiry.
func NewRedisStore(client *redis.Client, logger *slog.Logger, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, logger: logger, ttl: ttl}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	raw, found, err := s.client.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}
	if !found {
		return nil, domain.ErrJobNotFound
	}

	var record domain.JobRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", jobID, err)
	}
	return &record, nil
}

func (s *RedisStore) Create(ctx context.Context, record *domain.JobRecord) error {
	if err := s.write(ctx, record); err != nil {
		return err
	}
	s.logger.Debug("Job record created",
		slog.String("job_id", record.JobID),
		slog.String("status", string(record.Status)),
	)
	return nil
}

// Update does a read-modify-write. The single sequential worker and the
// API's cancel path are the only writers after submission, and cancel only
// flips non-terminal records, so last-write-wins is acceptable here.
func (s *RedisStore) Update(ctx context.Context, jobID string, mutate func(*domain.JobRecord)) (*domain.JobRecord, error) {
	record, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	before := record.Status
	mutate(record)

	if record.Status != before && !domain.CanTransition(before, record.Status) {
		s.logger.Warn("Rejected status transition",
			slog.String("job_id", jobID),
			slog.String("from", string(before)),
			slog.String("to", string(record.Status)),
		)
		return s.Get(ctx, jobID)
	}

	record.UpdatedAt = time.Now().UTC()
	if err := s.write(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *RedisStore) write(ctx context.Context, record *domain.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(record.JobID), string(data), s.ttl); err != nil {
		return fmt.Errorf("failed to write job record: %w", err)
	}
	return nil
}
