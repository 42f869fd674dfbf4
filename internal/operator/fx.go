package operator

import (
	"context"

	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/operator/domain"
	"github.com/smallbiznis/duka/internal/operator/repository"
	"github.com/smallbiznis/duka/internal/operator/service"
	"go.uber.org/fx"
)

var Module = fx.Module("operator.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, svc domain.Service) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return svc.EnsureBootstrap(ctx, cfg.Bootstrap.AdminName, cfg.Bootstrap.AdminPassword)
			},
		})
	}),
)
