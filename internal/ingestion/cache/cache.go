// Package cache stores partition results in Redis keyed by a hash of the
// request, and collapses concurrent identical requests into one ingestion.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/pkg/metrics"
	pkgredis "github.com/Vantiq/unstructured-api/pkg/redis"
)

const keyPrefix = "partition:"

// Store is the subset of the Redis client the cache needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteMatching(ctx context.Context, pattern string) (int64, error)
}

// ResultCache caches successful partition results.
type ResultCache struct {
	store   Store
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a ResultCache. m may be nil.
func New(store Store, ttl time.Duration, m *metrics.Metrics) *ResultCache {
	return &ResultCache{
		store:   store,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "result-cache"),
	}
}

// Key derives the cache key for req. Option key order and insignificant
// whitespace do not change the key.
func Key(req *ingestion.PartitionURLsRequest) (string, error) {
	canonical, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}
	hash := sha256.Sum256(canonical)
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16]), nil
}

// Get returns the cached result for key. Store failures count as misses.
func (c *ResultCache) Get(ctx context.Context, key string) (*ingestion.PartitionResult, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsMiss(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var result ingestion.PartitionResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hit()
	return &result, true
}

// Set stores result under key.
func (c *ResultCache) Set(ctx context.Context, key string, result *ingestion.PartitionResult) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for req or runs computeFn once for
// all concurrent callers with the same request. Failed computations are not
// cached. The boolean reports a cache hit.
func (c *ResultCache) GetOrCompute(
	ctx context.Context,
	req *ingestion.PartitionURLsRequest,
	computeFn func() (*ingestion.PartitionResult, error),
) (*ingestion.PartitionResult, bool, error) {
	key, err := Key(req)
	if err != nil {
		return nil, false, err
	}
	if result, ok := c.Get(ctx, key); ok {
		return result, true, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if result, ok := c.Get(ctx, key); ok {
			return result, nil
		}
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(context.WithoutCancel(ctx), key, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*ingestion.PartitionResult), false, nil
}

// Invalidate drops every cached result.
func (c *ResultCache) Invalidate(ctx context.Context) error {
	deleted, err := c.store.DeleteMatching(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
	return nil
}

// Stats returns hit and miss counts since creation.
func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ResultCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *ResultCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}
