package idempotency

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/idempotency/domain"
	"github.com/smallbiznis/duka/internal/idempotency/repository"
	"github.com/smallbiznis/duka/internal/idempotency/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type storeParams struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Clock  clock.Clock
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func provideStore(p storeParams) domain.Store {
	switch p.Config.Idempotency.Backend {
	case "redis":
		if p.Redis != nil {
			return repository.NewRedisStore(p.Redis, p.Config.AppName)
		}
		p.Log.Warn("redis idempotency backend requested without a redis client, using sql")
	case "memory":
		p.Log.Warn("memory idempotency store is process local, do not run more than one instance")
		return repository.NewMemoryStore(p.Clock)
	}
	return repository.NewSQLStore(p.DB, p.Clock)
}

// providePurger exposes the store's cleanup to the scheduler; nil when the
// backend expires records itself.
func providePurger(store domain.Store) domain.Purger {
	if purger, ok := store.(domain.Purger); ok {
		return purger
	}
	return nil
}

var Module = fx.Module("idempotency",
	fx.Provide(provideStore),
	fx.Provide(providePurger),
	fx.Provide(service.NewGuard),
)
