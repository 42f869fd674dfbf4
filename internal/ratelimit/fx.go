package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type limiterParams struct {
	fx.In

	Config config.Config
	Clock  clock.Clock
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func provideLimiter(p limiterParams) Limiter {
	cfg := p.Config.RateLimit
	if cfg.Backend == "redis" && p.Redis != nil {
		return NewRedisLimiter(p.Redis, cfg.RedisKeyPrefix)
	}
	if cfg.Backend == "redis" {
		p.Log.Warn("redis rate limit backend requested without a redis client, using memory")
	}
	return NewMemoryLimiter(p.Clock.Now, cfg.CleanupEvery)
}

func providePaymentLimiter(limiter Limiter, cfg config.Config, m *metrics.Metrics) *PaymentLimiter {
	return NewPaymentLimiter(limiter, cfg.RateLimit, m)
}

var Module = fx.Module("rate.limit",
	fx.Provide(provideLimiter),
	fx.Provide(providePaymentLimiter),
)
