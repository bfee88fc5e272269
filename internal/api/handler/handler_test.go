package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapilot/insight-worker/internal/api/dto"
	"github.com/datapilot/insight-worker/internal/api/handler"
	"github.com/datapilot/insight-worker/internal/api/router"
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
	mu    sync.Mutex
	saved map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{saved: map[string][]byte{}}
}

func (b *memBlobs) Save(ctx context.Context, data []byte, name, jobID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := "file://" + jobID + "/" + name
	b.saved[ref] = data
	return ref, nil
}

func (b *memBlobs) Load(ctx context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.saved[ref]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func (b *memBlobs) EnsureLocalPath(ctx context.Context, ref string) (string, error) {
	return "", nil
}

type fakeQueue struct {
	mu        sync.Mutex
	published [][]byte
	connected bool
}

func (q *fakeQueue) Publish(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, body)
	return nil
}

func (q *fakeQueue) IsConnected() bool { return q.connected }

type fakeKV struct {
	mu      sync.Mutex
	values  map[string]string
	pingErr error
}

func (kv *fakeKV) Ping(ctx context.Context) error { return kv.pingErr }

func (kv *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.values[key]
	return v, ok, nil
}

type apiEnv struct {
	store  *memStore
	blobs  *memBlobs
	queue  *fakeQueue
	kv     *fakeKV
	engine *gin.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &apiEnv{
		store: newMemStore(),
		blobs: newMemBlobs(),
		queue: &fakeQueue{connected: true},
		kv: &fakeKV{values: map[string]string{
			"worker:heartbeat": time.Now().UTC().Format(time.RFC3339),
		}},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.New(handler.Options{
		Logger:         logger,
		Store:          env.store,
		Blobs:          env.blobs,
		Queue:          env.queue,
		RedisClient:    env.kv,
		QueueClient:    env.queue,
		JobTimeout:     10 * time.Minute,
		MaxUploadBytes: 1 << 20,
		HeartbeatTTL:   30 * time.Second,
	})
	env.engine = router.New(logger, h, "test")
	return env
}

func (env *apiEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "data.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func seedRecord(env *apiEnv, record domain.JobRecord) {
	_ = env.store.Create(context.Background(), &record)
}

func TestSubmitAcceptsUpload(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, uploadRequest(t, "a,b\n1,2\n"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, domain.StatusSubmitted, resp.Status)

	record, err := env.store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, record.Status)
	assert.Equal(t, "data.csv", record.FileName)
	assert.False(t, record.TimeoutAt.IsZero())

	require.Len(t, env.queue.published, 1)
	var item domain.QueueItem
	require.NoError(t, json.Unmarshal(env.queue.published[0], &item))
	assert.Equal(t, resp.JobID, item.JobID)
	assert.Equal(t, record.FileRef, item.FileRef)
}

func TestSubmitRequiresFile(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)

	w := env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.queue.published)
}

func TestStatusNotFound(t *testing.T) {
	env := newAPIEnv(t)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusReturnsRecord(t *testing.T) {
	env := newAPIEnv(t)
	now := time.Now().UTC()
	seedRecord(env, domain.JobRecord{
		JobID:     "job-1",
		FileName:  "data.csv",
		Status:    domain.StatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(time.Minute),
	})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, domain.StatusSubmitted, resp.Status)
	assert.False(t, resp.HasResult)
}

func TestStatusReconcilesStaleProcessing(t *testing.T) {
	env := newAPIEnv(t)
	now := time.Now().UTC()
	seedRecord(env, domain.JobRecord{
		JobID:     "job-1",
		Status:    domain.StatusProcessing,
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
		TimeoutAt: now.Add(-30 * time.Minute),
	})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusFailed, resp.Status)
	assert.Equal(t, domain.ErrCodeTimeout, resp.Error)

	record, _ := env.store.Get(context.Background(), "job-1")
	assert.Equal(t, domain.StatusFailed, record.Status, "reconciliation is persisted")
}

func TestCancelPendingJob(t *testing.T) {
	env := newAPIEnv(t)
	now := time.Now().UTC()
	seedRecord(env, domain.JobRecord{
		JobID:     "job-1",
		Status:    domain.StatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(time.Minute),
	})

	w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/job-1/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusCancelled, resp.Status)
	assert.NotEmpty(t, resp.CancelledAt)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	env := newAPIEnv(t)
	now := time.Now().UTC()
	for _, status := range []string{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		seedRecord(env, domain.JobRecord{
			JobID:     "job-" + status,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		})

		w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/job-"+status+"/cancel", nil))
		assert.Equal(t, http.StatusConflict, w.Code, status)
	}
}

func TestResultReturnsBundle(t *testing.T) {
	env := newAPIEnv(t)
	ref, err := env.blobs.Save(context.Background(), []byte(`{"analystInsights":[]}`), "result.json", "job-1")
	require.NoError(t, err)
	now := time.Now().UTC()
	seedRecord(env, domain.JobRecord{
		JobID:     "job-1",
		Status:    domain.StatusCompleted,
		CreatedAt: now,
		UpdatedAt: now,
		ResultRef: ref,
	})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1/result", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"analystInsights":[]}`, w.Body.String())
}

func TestResultConflictsWhenNotCompleted(t *testing.T) {
	env := newAPIEnv(t)
	now := time.Now().UTC()
	seedRecord(env, domain.JobRecord{
		JobID:     "job-1",
		Status:    domain.StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(time.Minute),
	})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1/result", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthHealthy(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["redis"])
	assert.Equal(t, "ok", resp.Checks["rabbitmq"])
	assert.Equal(t, "ok", resp.Checks["worker"])
}

func TestHealthDegradedWithoutHeartbeat(t *testing.T) {
	env := newAPIEnv(t)
	delete(env.kv.values, "worker:heartbeat")

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "no heartbeat", resp.Checks["worker"])
}

func TestHealthDegradedWithStaleHeartbeat(t *testing.T) {
	env := newAPIEnv(t)
	env.kv.values["worker:heartbeat"] = time.Now().UTC().Add(-5 * time.Minute).Format(time.RFC3339)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "stale heartbeat", resp.Checks["worker"])
}

func TestHealthDegradedWithDisconnectedQueue(t *testing.T) {
	env := newAPIEnv(t)
	env.queue.connected = false

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "down", resp.Checks["rabbitmq"])
}
