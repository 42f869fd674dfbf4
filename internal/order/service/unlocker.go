package service

import (
	"context"

	"github.com/smallbiznis/duka/internal/order/domain"
	"go.uber.org/zap"
)

type logUnlocker struct {
	log *zap.Logger
}

// NewLogUnlocker records the unlock; kitchen and dispatch integrations hook in here.
func NewLogUnlocker(log *zap.Logger) domain.FulfillmentUnlocker {
	return &logUnlocker{log: log.Named("order.fulfillment")}
}

func (u *logUnlocker) Unlock(_ context.Context, order domain.Order, status domain.PaymentStatus) error {
	u.log.Info("fulfillment unlocked",
		zap.String("order_id", order.ID.String()),
		zap.String("reference", order.Reference),
		zap.String("status", string(status)),
		zap.Int64("amount_paid", order.AmountPaid),
	)
	return nil
}
