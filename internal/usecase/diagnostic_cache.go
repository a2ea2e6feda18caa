package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/lesion-diagnostics/internal/logging"
	"github.com/example/lesion-diagnostics/internal/repository"
)

// diagnosticTombstone marks a deleted diagnostic. It never parses as a cached
// diagnostic document.
const diagnosticTombstone = "deleted"

// DiagnosticCache is the read-through cache shared by the diagnostic and user
// use cases. Deletes leave a tombstone so that a read racing the delete cannot
// repopulate the entry; ids whose tombstone could not be written skip the
// cache until the TTL has passed.
type DiagnosticCache struct {
	cache  Cache
	retry  cacheRetry
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	bypass map[uint]time.Time
}

type cachedDiagnostic struct {
	ID        uint      `json:"id"`
	ImageURL  string    `json:"image_url"`
	Result    string    `json:"result"`
	UserID    uint      `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDiagnosticCache wraps cache. A nil cache always misses; a non-positive
// ttl defaults to five minutes.
func NewDiagnosticCache(cache Cache, ttl time.Duration, logger *zap.Logger) *DiagnosticCache {
	if cache == nil {
		cache = NopCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	named := logger.Named("diagnostic_cache")
	return &DiagnosticCache{
		cache:  cache,
		retry:  newCacheRetry(named),
		logger: named,
		ttl:    ttl,
		now:    time.Now,
		bypass: make(map[uint]time.Time),
	}
}

// lookup reads id from the cache. found reports whether the cache answered;
// a found nil diagnostic is a tombstone.
func (c *DiagnosticCache) lookup(ctx context.Context, id uint) (d *repository.Diagnostic, found bool) {
	if c.bypassed(id) {
		return nil, false
	}
	requestID := logging.RequestID(ctx)
	cached, err := c.retry.withRedisGet(ctx, c.cache, requestID, "cache.get.diagnostic", diagnosticCacheKey(id))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(c.logger, "cache.lookup_diagnostic", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}
	if cached == diagnosticTombstone {
		return nil, true
	}

	var payload cachedDiagnostic
	if err := json.Unmarshal([]byte(cached), &payload); err != nil {
		logging.WithOperation(c.logger, "cache.lookup_diagnostic", requestID).Warn("failed to decode cached diagnostic", zap.Error(err))
		return nil, false
	}
	return &repository.Diagnostic{
		ID:        payload.ID,
		ImageURL:  payload.ImageURL,
		Result:    payload.Result,
		UserID:    payload.UserID,
		CreatedAt: payload.CreatedAt,
	}, true
}

// store caches a diagnostic that was just created.
func (c *DiagnosticCache) store(ctx context.Context, d *repository.Diagnostic) {
	c.write(ctx, d, false)
}

// fill caches a diagnostic read from the database. It never replaces an
// existing entry, so a tombstone written meanwhile wins.
func (c *DiagnosticCache) fill(ctx context.Context, d *repository.Diagnostic) {
	c.write(ctx, d, true)
}

func (c *DiagnosticCache) write(ctx context.Context, d *repository.Diagnostic, onlyIfAbsent bool) {
	if c.bypassed(d.ID) {
		return
	}
	requestID := logging.RequestID(ctx)
	serialized, err := json.Marshal(cachedDiagnostic{
		ID:        d.ID,
		ImageURL:  d.ImageURL,
		Result:    d.Result,
		UserID:    d.UserID,
		CreatedAt: d.CreatedAt,
	})
	if err != nil {
		logging.WithOperation(c.logger, "cache.write_diagnostic", requestID).Warn("failed to serialize diagnostic", zap.Error(err))
		return
	}

	key := diagnosticCacheKey(d.ID)
	if err := c.retry.withRedisRetry(ctx, requestID, "cache.set.diagnostic", func() error {
		if onlyIfAbsent {
			_, err := c.cache.SetNX(ctx, key, string(serialized), c.ttl)
			return err
		}
		return c.cache.Set(ctx, key, string(serialized), c.ttl)
	}); err != nil {
		logging.WithOperation(c.logger, "cache.write_diagnostic", requestID).Warn("failed to cache diagnostic", zap.Error(err))
	}
}

// forget replaces the entries of deleted ids with tombstones.
func (c *DiagnosticCache) forget(ctx context.Context, ids ...uint) {
	requestID := logging.RequestID(ctx)
	for _, id := range ids {
		key := diagnosticCacheKey(id)
		err := c.retry.withRedisRetry(ctx, requestID, "cache.tombstone.diagnostic", func() error {
			return c.cache.Set(ctx, key, diagnosticTombstone, c.ttl)
		})
		if err == nil {
			continue
		}

		c.mu.Lock()
		c.bypass[id] = c.now().Add(c.ttl)
		c.mu.Unlock()
		logging.WithOperation(c.logger, "cache.forget_diagnostic", requestID).Warn("failed to write tombstone, bypassing cache",
			zap.Error(err),
			zap.Uint("diagnostic_id", id),
		)
	}
}

func (c *DiagnosticCache) bypassed(id uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.bypass[id]
	if !ok {
		return false
	}
	if !c.now().Before(until) {
		delete(c.bypass, id)
		return false
	}
	return true
}

func diagnosticCacheKey(id uint) string {
	return fmt.Sprintf("diagnostic:%d", id)
}
