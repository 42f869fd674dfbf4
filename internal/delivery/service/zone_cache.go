package service

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/duka/internal/cache"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/delivery/domain"
	"go.uber.org/zap"
)

const (
	zoneCacheKey = "zones"

	minZoneStaleness = 5 * time.Second
	maxZoneStaleness = 10 * time.Minute
)

// ClampZoneStaleness bounds the configured zone cache TTL.
func ClampZoneStaleness(d time.Duration) time.Duration {
	if d < minZoneStaleness {
		return minZoneStaleness
	}
	if d > maxZoneStaleness {
		return maxZoneStaleness
	}
	return d
}

type memoryZoneCache struct {
	entries cache.Cache[string, []domain.Zone]
}

func NewMemoryZoneCache(clk clock.Clock) domain.ZoneCache {
	return &memoryZoneCache{
		entries: cache.NewTTLCacheWithClock[string, []domain.Zone](clk.Now),
	}
}

func (c *memoryZoneCache) Get(_ context.Context) ([]domain.Zone, bool) {
	zones, ok := c.entries.Get(zoneCacheKey)
	if !ok {
		return nil, false
	}
	return cloneZones(zones), true
}

func (c *memoryZoneCache) Set(_ context.Context, zones []domain.Zone, ttl time.Duration) {
	c.entries.Set(zoneCacheKey, cloneZones(zones), ttl)
}

func (c *memoryZoneCache) Invalidate(_ context.Context) {
	c.entries.Delete(zoneCacheKey)
}

type redisZoneCache struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

// NewRedisZoneCache shares the zone snapshot across instances. Redis failures
// degrade to cache misses.
func NewRedisZoneCache(client *redis.Client, prefix string, log *zap.Logger) domain.ZoneCache {
	return &redisZoneCache{
		client: client,
		key:    prefix + ":delivery:zones",
		log:    log,
	}
}

func (c *redisZoneCache) Get(ctx context.Context) ([]domain.Zone, bool) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("zone cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var zones []domain.Zone
	if err := json.Unmarshal(raw, &zones); err != nil {
		c.log.Warn("zone cache decode failed", zap.Error(err))
		return nil, false
	}
	return zones, true
}

func (c *redisZoneCache) Set(ctx context.Context, zones []domain.Zone, ttl time.Duration) {
	raw, err := json.Marshal(zones)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		c.log.Warn("zone cache write failed", zap.Error(err))
	}
}

func (c *redisZoneCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		c.log.Warn("zone cache invalidate failed", zap.Error(err))
	}
}

func cloneZones(in []domain.Zone) []domain.Zone {
	if in == nil {
		return nil
	}
	out := make([]domain.Zone, len(in))
	copy(out, in)
	return out
}
