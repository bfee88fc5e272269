package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (kv *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.values[key]
	return v, ok, nil
}

func (kv *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value
	kv.ttls[key] = ttl
	return nil
}

func TestHeartbeatWritesImmediately(t *testing.T) {
	kv := newFakeKV()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hb := NewHeartbeat(kv, logger, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok, _ := kv.Get(context.Background(), "worker:heartbeat")
		return ok
	}, time.Second, 5*time.Millisecond, "first beat happens before the first tick")

	cancel()
	<-done

	kv.mu.Lock()
	defer kv.mu.Unlock()
	assert.Equal(t, 30*time.Second, kv.ttls["worker:heartbeat"], "TTL is three intervals")
}

func TestLastHeartbeat(t *testing.T) {
	kv := newFakeKV()
	ctx := context.Background()

	_, found, err := LastHeartbeat(ctx, kv)
	require.NoError(t, err)
	assert.False(t, found)

	ts := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, kv.Set(ctx, "worker:heartbeat", ts.Format(time.RFC3339), time.Minute))

	got, found, err := LastHeartbeat(ctx, kv)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(ts))
}

func TestLastHeartbeatIgnoresGarbage(t *testing.T) {
	kv := newFakeKV()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "worker:heartbeat", "not a timestamp", time.Minute))

	_, found, err := LastHeartbeat(ctx, kv)
	require.NoError(t, err)
	assert.False(t, found)
}
