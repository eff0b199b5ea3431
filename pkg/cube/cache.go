package cube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/malbeclabs/auditlens/internal/metrics"
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheMaxRows = 100_000
)

type CacheConfig struct {
	Logger  *slog.Logger
	Querier Querier

	// Optional with defaults.
	TTL     time.Duration
	MaxRows int64
}

func (c *CacheConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.TTL == 0 {
		c.TTL = defaultCacheTTL
	}
	if c.MaxRows == 0 {
		c.MaxRows = defaultCacheMaxRows
	}
	return nil
}

// CachingQuerier caches successful results by query. Cost is the row count,
// so MaxRows bounds the cached rows across all entries. Failures are never
// cached.
type CachingQuerier struct {
	log   *slog.Logger
	cfg   *CacheConfig
	cache *ristretto.Cache
}

func NewCachingQuerier(cfg *CacheConfig) (*CachingQuerier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1_000_000,
		MaxCost:     cfg.MaxRows,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &CachingQuerier{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

func (c *CachingQuerier) Load(ctx context.Context, q Query) (*Result, error) {
	key := q.Key()
	if v, ok := c.cache.Get(key); ok {
		metrics.QueryCacheHits.WithLabelValues("hit").Inc()
		c.log.Debug("cube: result cache hit", "measures", q.Measures, "dimensions", q.Dimensions)
		return v.(*Result), nil
	}
	metrics.QueryCacheHits.WithLabelValues("miss").Inc()

	res, err := c.cfg.Querier.Load(ctx, q)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, res, int64(len(res.Rows))+1, c.cfg.TTL)
	return res, nil
}

// Health delegates to the wrapped querier when it supports health checks.
func (c *CachingQuerier) Health(ctx context.Context) error {
	if hc, ok := c.cfg.Querier.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachingQuerier) Wait() {
	c.cache.Wait()
}

func (c *CachingQuerier) Close() {
	c.cache.Close()
}
