package order

import (
	"github.com/smallbiznis/duka/internal/order/repository"
	"github.com/smallbiznis/duka/internal/order/service"
	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewLogUnlocker),
	fx.Provide(service.NewService),
)
