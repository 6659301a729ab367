package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

// CacheStore persists JSON-encoded read models. Get reports appErrors.ErrCacheMiss for absent keys.
type CacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// ReadCache is a read-through cache for the calendar read models. Store failures degrade to
// a load from the repository; they are logged and counted, never returned.
type ReadCache struct {
	store   CacheStore
	metrics *MetricsService
	ttl     time.Duration
	logger  *zap.Logger
	enabled bool
}

// NewReadCache constructs a read cache. A disabled or nil cache always loads.
func NewReadCache(store CacheStore, metrics *MetricsService, ttl time.Duration, enabled bool, logger *zap.Logger) *ReadCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadCache{store: store, metrics: metrics, ttl: ttl, logger: logger, enabled: enabled}
}

// Enabled indicates whether lookups reach the store.
func (c *ReadCache) Enabled() bool {
	return c != nil && c.enabled && c.store != nil
}

// readThrough returns the cached value under key or loads, stores and returns it. Load errors
// are returned as-is and nothing is cached for them.
func readThrough[T any](ctx context.Context, c *ReadCache, key string, load func(context.Context) (T, error)) (T, error) {
	if !c.Enabled() {
		return load(ctx)
	}

	var cached T
	start := time.Now()
	err := c.store.Get(ctx, key, &cached)
	c.metrics.RecordCacheOperation(err == nil, time.Since(start))
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, appErrors.ErrCacheMiss):
		c.logger.Warn("calendar cache read failed", zap.String("key", key), zap.Error(err))
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	start = time.Now()
	if err := c.store.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("calendar cache write failed", zap.String("key", key), zap.Error(err))
	}
	c.metrics.ObserveCacheWrite(time.Since(start))
	return value, nil
}

// Invalidate drops every cached entry matching pattern.
func (c *ReadCache) Invalidate(ctx context.Context, pattern string) error {
	if !c.Enabled() {
		return nil
	}
	return c.store.DeleteByPattern(ctx, pattern)
}
