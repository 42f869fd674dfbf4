package payment

import (
	"github.com/smallbiznis/duka/internal/mpesa"
	"github.com/smallbiznis/duka/internal/payment/domain"
	"github.com/smallbiznis/duka/internal/payment/repository"
	paymentservice "github.com/smallbiznis/duka/internal/payment/service"
	"github.com/smallbiznis/duka/internal/payment/webhook"
	"go.uber.org/fx"
)

func provideGateway(client *mpesa.Client) domain.Gateway {
	return client
}

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideGateway),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
