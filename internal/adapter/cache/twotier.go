package cache

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// Key builders for the cache namespaces.
func EmbedKey(modelID, textHash string) string { return "emb:" + modelID + ":" + textHash }

func ExtractKey(promptVersion, modelID, contentHash string) string {
	return "ext:" + promptVersion + ":" + modelID + ":" + contentHash
}

func MatchKey(jdID, cvID, weightsVersion string) string {
	return "match:" + jdID + ":" + cvID + ":" + weightsVersion
}

// TwoTier reads local-first and writes local-then-shared. A shared-tier
// outage degrades to local-only with a single warning log; correctness is
// unaffected because every entry has a TTL.
type TwoTier struct {
	local  *Local
	shared *redis.Client

	// degraded suppresses repeated warnings during one shared-tier outage.
	degraded atomic.Bool
}

// NewTwoTier wires the local tier in front of the given Redis client. The
// shared tier may be nil, leaving a local-only cache.
func NewTwoTier(local *Local, shared *redis.Client) *TwoTier {
	return &TwoTier{local: local, shared: shared}
}

func (c *TwoTier) Get(ctx domain.Context, key string) ([]byte, bool, error) {
	if v, ok, _ := c.local.Get(ctx, key); ok {
		observability.CacheHitsTotal.WithLabelValues("local").Inc()
		return v, true, nil
	}
	if c.shared == nil {
		observability.CacheMissesTotal.Inc()
		return nil, false, nil
	}
	v, err := c.shared.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
		observability.CacheMissesTotal.Inc()
		return nil, false, nil
	case err != nil:
		c.warnShared(err)
		observability.CacheMissesTotal.Inc()
		return nil, false, nil
	}
	c.degraded.Store(false)
	observability.CacheHitsTotal.WithLabelValues("shared").Inc()
	// backfill the local tier; TTL refinement is not worth a shared TTL query
	ttl, terr := c.shared.TTL(ctx, key).Result()
	if terr != nil || ttl <= 0 {
		ttl = time.Minute
	}
	_ = c.local.Set(ctx, key, v, ttl)
	return v, true, nil
}

func (c *TwoTier) Set(ctx domain.Context, key string, value []byte, ttl time.Duration) error {
	_ = c.local.Set(ctx, key, value, ttl)
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Set(ctx, key, value, ttl).Err(); err != nil {
		c.warnShared(err)
		return nil
	}
	c.degraded.Store(false)
	return nil
}

func (c *TwoTier) Del(ctx domain.Context, key string) error {
	_ = c.local.Del(ctx, key)
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Del(ctx, key).Err(); err != nil {
		c.warnShared(err)
	}
	return nil
}

func (c *TwoTier) warnShared(err error) {
	if c.degraded.Swap(true) {
		return
	}
	slog.Warn("shared cache unavailable, serving local tier only", slog.Any("error", err))
}

var _ domain.Cache = (*TwoTier)(nil)
