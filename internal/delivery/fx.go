package delivery

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/delivery/domain"
	"github.com/smallbiznis/duka/internal/delivery/repository"
	"github.com/smallbiznis/duka/internal/delivery/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type cacheParams struct {
	fx.In

	Config config.Config
	Clock  clock.Clock
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func provideZoneCache(p cacheParams) domain.ZoneCache {
	if p.Redis != nil {
		return service.NewRedisZoneCache(p.Redis, p.Config.AppName, p.Log.Named("delivery.cache"))
	}
	return service.NewMemoryZoneCache(p.Clock)
}

var Module = fx.Module("delivery.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideZoneCache),
	fx.Provide(service.NewService),
)
