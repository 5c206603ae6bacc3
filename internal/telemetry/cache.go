package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
	"github.com/angelmondragon/invoicesync-backend/pkg/redis"
)

const defaultCacheTTL = 30 * time.Second

type snapshotStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Cached serves the default-window snapshot from Redis, recomputing on a miss.
// Other windows always go to the source.
type Cached struct {
	source Source
	store  snapshotStore
	key    string
	window time.Duration
	ttl    time.Duration
	logg   *logger.Logger
}

// NewCached wraps source with a Redis-backed cache under key.
func NewCached(source Source, store snapshotStore, key string, window, ttl time.Duration, logg *logger.Logger) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cached{source: source, store: store, key: key, window: window, ttl: ttl, logg: logg}
}

func (c *Cached) Snapshot(ctx context.Context, window time.Duration) (Snapshot, error) {
	if window <= 0 {
		window = c.window
	}
	if c.store == nil || window != c.window {
		return c.source.Snapshot(ctx, window)
	}

	raw, err := c.store.Get(ctx, c.key)
	switch {
	case err == nil:
		var snap Snapshot
		jsonErr := json.Unmarshal([]byte(raw), &snap)
		if jsonErr == nil {
			return snap, nil
		}
		c.warn(ctx, "discarding unreadable telemetry snapshot", jsonErr)
	case !errors.Is(err, redis.Nil):
		c.warn(ctx, "telemetry cache read failed", err)
	}

	return c.Refresh(ctx)
}

// Refresh recomputes the default-window snapshot and stores it.
func (c *Cached) Refresh(ctx context.Context) (Snapshot, error) {
	snap, err := c.source.Snapshot(ctx, c.window)
	if err != nil {
		return Snapshot{}, err
	}
	if c.store == nil {
		return snap, nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		c.warn(ctx, "encode telemetry snapshot", err)
		return snap, nil
	}
	if err := c.store.Set(ctx, c.key, string(payload), c.ttl); err != nil {
		c.warn(ctx, "telemetry cache write failed", err)
	}
	return snap, nil
}

func (c *Cached) warn(ctx context.Context, msg string, err error) {
	if c.logg == nil {
		return
	}
	c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), msg)
}
