package worker

import (
	"context"
	"log/slog"
	"time"
)

const heartbeatKey = "worker:heartbeat"

// Getter reads a single key from the job store backend.
type Getter interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// KV is the subset of the redis client the heartbeat needs.
type KV interface {
	Getter
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Heartbeat periodically refreshes a TTL'd liveness key so the API health
// endpoint can tell whether a worker is running.
type Heartbeat struct {
	client   KV
	logger   *slog.Logger
	interval time.Duration
}

func NewHeartbeat(client KV, logger *slog.Logger, interval time.Duration) *Heartbeat {
	return &Heartbeat{client: client, logger: logger, interval: interval}
}

// Run beats until ctx is cancelled. The key TTL is three intervals, so a
// missed beat or two does not flap the health check.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := h.client.Set(ctx, heartbeatKey, ts, 3*h.interval); err != nil {
		h.logger.Warn("Failed to write heartbeat", slog.Any("error", err))
	}
}

// LastHeartbeat returns the most recent heartbeat timestamp, if present.
func LastHeartbeat(ctx context.Context, client Getter) (time.Time, bool, error) {
	raw, found, err := client.Get(ctx, heartbeatKey)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}
