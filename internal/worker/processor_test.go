package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot/insight-worker/internal/insight"
	"github.com/datapilot/insight-worker/internal/retry"
	"github.com/datapilot/insight-worker/internal/worker/domain"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]domain.JobRecord
}

func newMemStore() *memStore {
	return &memStore{records: map[string]domain.JobRecord{}}
}

func (s *memStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := record
	return &copied, nil
}

func (s *memStore) Create(ctx context.Context, record *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.JobID] = *record
	return nil
}

func (s *memStore) Update(ctx context.Context, jobID string, mutate func(*domain.JobRecord)) (*domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	before := record.Status
	mutate(&record)
	if record.Status != before && !domain.CanTransition(before, record.Status) {
		stored := s.records[jobID]
		return &stored, nil
	}
	record.UpdatedAt = time.Now().UTC()
	s.records[jobID] = record
	copied := record
	return &copied, nil
}

type memBlobs struct {
	mu       sync.Mutex
	saved    map[string][]byte // "{jobID}/{name}" -> data
	fetchErr error
	saveHook func(name string)
}

func newMemBlobs() *memBlobs {
	return &memBlobs{saved: map[string][]byte{}}
}

func (b *memBlobs) Save(ctx context.Context, data []byte, name, jobID string) (string, error) {
	if b.saveHook != nil {
		b.saveHook(name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := jobID + "/" + name
	b.saved[key] = data
	return "file://" + key, nil
}

func (b *memBlobs) EnsureLocalPath(ctx context.Context, ref string) (string, error) {
	if b.fetchErr != nil {
		return "", b.fetchErr
	}
	return "/tmp/" + ref, nil
}

func (b *memBlobs) artifact(jobID, name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.saved[jobID+"/"+name]
	return data, ok
}

type fakeAnalyzer struct {
	facts *insight.Facts
	err   error
	// hook runs before returning, with access to nothing but the test.
	hook func()
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, path string) (*insight.Facts, error) {
	if a.hook != nil {
		a.hook()
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.facts, nil
}

type fakeGenerator struct {
	hook func()
}

func (g *fakeGenerator) Generate(ctx context.Context, facts *insight.Facts, jobID string) *insight.Bundle {
	if g.hook != nil {
		g.hook()
	}
	return &insight.Bundle{
		Insights:        []insight.Insight{},
		BusinessSummary: []string{"All clear."},
		VisualActions:   []insight.VisualAction{},
		Issues:          []string{},
	}
}

func basicFacts() *insight.Facts {
	return &insight.Facts{
		KPIs: insight.KPIs{RowCount: 5, ColumnCount: 2},
	}
}

type processorEnv struct {
	store     *memStore
	blobs     *memBlobs
	analyzer  *fakeAnalyzer
	generator *fakeGenerator
	processor *Processor
}

func newProcessorEnv() *processorEnv {
	env := &processorEnv{
		store:     newMemStore(),
		blobs:     newMemBlobs(),
		analyzer:  &fakeAnalyzer{facts: basicFacts()},
		generator: &fakeGenerator{},
	}
	policy := retry.Policy{
		Attempts:     2,
		InitialDelay: time.Millisecond,
		Factor:       2,
		MaxDelay:     2 * time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.processor = NewProcessor(logger, env.store, env.blobs, env.analyzer, env.generator, policy)
	return env
}

func (env *processorEnv) submitJob(jobID string, timeout time.Duration) domain.QueueItem {
	now := time.Now().UTC()
	_ = env.store.Create(context.Background(), &domain.JobRecord{
		JobID:     jobID,
		FileName:  "data.csv",
		FileRef:   "file://uploads/data.csv",
		Status:    domain.StatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(timeout),
	})
	return domain.QueueItem{JobID: jobID, FileRef: "file://uploads/data.csv", FileName: "data.csv"}
}

func TestProcessCompletesJob(t *testing.T) {
	env := newProcessorEnv()
	item := env.submitJob("job-1", time.Minute)

	err := env.processor.Process(context.Background(), item)
	require.NoError(t, err)

	record, err := env.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, record.Status)
	assert.NotNil(t, record.StartedAt)
	assert.Equal(t, "file://job-1/result.json", record.ResultRef)

	data, ok := env.blobs.artifact("job-1", "result.json")
	require.True(t, ok)
	var bundle insight.Bundle
	require.NoError(t, json.Unmarshal(data, &bundle))
	assert.Equal(t, []string{"All clear."}, bundle.BusinessSummary)
}

func TestProcessDropsMissingRecord(t *testing.T) {
	env := newProcessorEnv()
	item := domain.QueueItem{JobID: "ghost", FileRef: "file://x"}

	err := env.processor.Process(context.Background(), item)
	assert.NoError(t, err, "missing record settles the item without failing")
}

func TestProcessSkipsTerminalJob(t *testing.T) {
	env := newProcessorEnv()
	item := env.submitJob("job-1", time.Minute)
	_, err := env.store.Update(context.Background(), "job-1", func(r *domain.JobRecord) {
		r.Status = domain.StatusCancelled
	})
	require.NoError(t, err)

	require.NoError(t, env.processor.Process(context.Background(), item))

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusCancelled, record.Status)
	assert.Nil(t, record.StartedAt, "cancelled job never starts")
}

func TestProcessTimesOutBeforeStart(t *testing.T) {
	env := newProcessorEnv()
	item := env.submitJob("job-1", time.Minute)
	// Simulate a job stranded in processing past its deadline by a redelivery.
	_, err := env.store.Update(context.Background(), "job-1", func(r *domain.JobRecord) {
		r.Status = domain.StatusProcessing
		r.TimeoutAt = time.Now().UTC().Add(-time.Minute)
	})
	require.NoError(t, err)

	require.NoError(t, env.processor.Process(context.Background(), item))

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusFailed, record.Status)
	assert.Equal(t, domain.ErrCodeTimeout, record.Error)

	_, ok := env.blobs.artifact("job-1", "error.json")
	assert.True(t, ok, "error artifact written on failure")
}

func TestProcessCancelledMidFlight(t *testing.T) {
	env := newProcessorEnv()
	item := env.submitJob("job-1", time.Minute)

	// Cancel arrives while analysis is running; the next checkpoint sees it.
	env.analyzer.hook = func() {
		_, err := env.store.Update(context.Background(), "job-1", func(r *domain.JobRecord) {
			r.Status = domain.StatusCancelled
		})
		require.NoError(t, err)
	}

	require.NoError(t, env.processor.Process(context.Background(), item))

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusCancelled, record.Status)
	assert.Empty(t, record.Error, "cancellation is not a failure")
	_, ok := env.blobs.artifact("job-1", "result.json")
	assert.False(t, ok, "no result for a cancelled job")
	_, ok = env.blobs.artifact("job-1", "error.json")
	assert.False(t, ok, "no error artifact for a cancelled job")
}

func TestProcessTimeoutMidFlight(t *testing.T) {
	env := newProcessorEnv()
	item := env.submitJob("job-1", time.Minute)

	env.analyzer.hook = func() {
		_, err := env.store.Update(context.Background(), "job-1", func(r *domain.JobRecord) {
			r.TimeoutAt = time.Now().UTC().Add(-time.Second)
		})
		require.NoError(t, err)
	}

	require.NoError(t, env.processor.Process(context.Background(), item))

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusFailed, record.Status)
	assert.Equal(t, domain.ErrCodeTimeout, record.Error)
}

func TestProcessParseFailure(t *testing.T) {
	env := newProcessorEnv()
	env.analyzer.err = errors.New("ragged row at line 7")
	item := env.submitJob("job-1", time.Minute)

	require.NoError(t, env.processor.Process(context.Background(), item))

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusFailed, record.Status)
	assert.Equal(t, domain.ErrCodeParse, record.Error)
	assert.Contains(t, record.ErrorMessage, "ragged row")

	data, ok := env.blobs.artifact("job-1", "error.json")
	require.True(t, ok)
	var artifact map[string]string
	require.NoError(t, json.Unmarshal(data, &artifact))
	assert.Equal(t, domain.ErrCodeParse, artifact["error"])
	assert.Equal(t, "job-1", artifact["jobId"])
	assert.Equal(t, domain.StatusFailed, artifact["status"])
	assert.NotEmpty(t, artifact["message"])
}

func TestProcessFetchFailure(t *testing.T) {
	env := newProcessorEnv()
	env.blobs.fetchErr = fmt.Errorf("artifact gone")
	item := env.submitJob("job-1", time.Minute)

	require.NoError(t, env.processor.Process(context.Background(), item))

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusFailed, record.Status)
	assert.Equal(t, domain.ErrCodeStorage, record.Error)
}

func TestProcessShutdownMidFlight(t *testing.T) {
	env := newProcessorEnv()
	item := env.submitJob("job-1", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	env.generator.hook = cancel

	require.NoError(t, env.processor.Process(ctx, item))

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusFailed, record.Status)
	assert.Equal(t, domain.ErrCodeWorkerShutdown, record.Error)
}

func TestProcessCancelWinsOverCompletion(t *testing.T) {
	env := newProcessorEnv()
	item := env.submitJob("job-1", time.Minute)

	// Cancel lands between the last checkpoint and the completion write.
	// The store rejects the terminal transition; the job stays cancelled.
	env.blobs.saveHook = func(name string) {
		if name != "result.json" {
			return
		}
		_, err := env.store.Update(context.Background(), "job-1", func(r *domain.JobRecord) {
			r.Status = domain.StatusCancelled
		})
		require.NoError(t, err)
	}

	require.NoError(t, env.processor.Process(context.Background(), item))

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusCancelled, record.Status)
}
