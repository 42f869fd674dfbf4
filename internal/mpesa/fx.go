package mpesa

import (
	"context"

	"github.com/smallbiznis/duka/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("mpesa",
	fx.Provide(NewClient),
	fx.Invoke(registerOnBoot),
)

func registerOnBoot(lc fx.Lifecycle, cfg config.Config, client *Client, log *zap.Logger) {
	if !cfg.Mpesa.RegisterC2BOnBoot {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Registration failures are logged; Daraja keeps earlier URLs.
			if _, err := client.RegisterC2BURLs(ctx); err != nil {
				log.Warn("c2b url registration failed", zap.Error(err))
			}
			return nil
		},
	})
}
