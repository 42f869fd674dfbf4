package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/smallbiznis/duka/internal/config"
	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
	"github.com/smallbiznis/duka/internal/payment/webhookauth"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Kind string

const (
	KindSTKCallback     Kind = "stk_callback"
	KindC2BValidation   Kind = "c2b_validation"
	KindC2BConfirmation Kind = "c2b_confirmation"
)

// Ack is the body Daraja expects back from every callback URL.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var ErrUnauthorized = errors.New("webhook_unauthorized")

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	paymentSvc paymentdomain.Service
	auth       webhookauth.Config
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		auth: webhookauth.Config{
			SharedSecret:           p.Cfg.Webhook.SharedSecret,
			HMACSecret:             p.Cfg.Webhook.HMACSecret,
			Production:             p.Cfg.IsProduction(),
			FailClosedInProduction: p.Cfg.Webhook.FailClosedInProduction,
		},
		obsMetrics: p.ObsMetrics,
	}
}

// Ingest authenticates a gateway callback and dispatches it. The returned Ack
// is always well formed; the only error is ErrUnauthorized. Processing
// failures are acknowledged so the gateway stops retrying; the reconciliation
// sweep settles anything that was not applied.
func (s *Service) Ingest(ctx context.Context, kind Kind, payload []byte, headers http.Header, query url.Values) (Ack, error) {
	auth := webhookauth.Verify(s.auth, payload, headers, query)
	if !auth.Authorized {
		s.log.Warn("webhook rejected", zap.String("kind", string(kind)), zap.String("reason", auth.Reason))
		s.obsMetrics.RecordCallback(ctx, paymentdomain.ProviderMpesa, string(kind), "unauthorized")
		return Ack{ResultCode: 1, ResultDesc: "Unauthorized"}, ErrUnauthorized
	}

	switch kind {
	case KindSTKCallback:
		return s.stkCallback(ctx, payload), nil
	case KindC2BValidation:
		return s.c2bValidation(ctx, payload), nil
	case KindC2BConfirmation:
		return s.c2bConfirmation(ctx, payload), nil
	}
	s.log.Warn("unknown webhook kind", zap.String("kind", string(kind)))
	return Ack{ResultCode: 0, ResultDesc: "Ignored"}, nil
}

func (s *Service) stkCallback(ctx context.Context, payload []byte) Ack {
	result, err := s.paymentSvc.HandleSTKCallback(ctx, payload)
	if err != nil {
		level := zap.ErrorLevel
		if errors.Is(err, paymentdomain.ErrInvalidPayload) || errors.Is(err, paymentdomain.ErrInvalidEvent) {
			level = zap.WarnLevel
		}
		s.log.Check(level, "stk callback not processed").Write(zap.Error(err))
		return Ack{ResultCode: 0, ResultDesc: "Accepted"}
	}
	s.log.Debug("stk callback processed",
		zap.String("outcome", string(result.Outcome)),
		zap.String("order_id", result.OrderID),
		zap.Bool("duplicate", result.Duplicate),
	)
	return Ack{ResultCode: 0, ResultDesc: "Accepted"}
}

func (s *Service) c2bValidation(ctx context.Context, payload []byte) Ack {
	if err := s.paymentSvc.ValidateC2B(ctx, payload); err != nil {
		s.log.Info("c2b payment rejected", zap.Error(err))
		return Ack{ResultCode: 1, ResultDesc: "Rejected"}
	}
	return Ack{ResultCode: 0, ResultDesc: "Accepted"}
}

func (s *Service) c2bConfirmation(ctx context.Context, payload []byte) Ack {
	result, err := s.paymentSvc.HandleC2BConfirmation(ctx, payload)
	if err != nil {
		s.log.Error("c2b confirmation not processed", zap.Error(err))
		return Ack{ResultCode: 0, ResultDesc: "Accepted"}
	}
	s.log.Debug("c2b confirmation processed",
		zap.String("trans_id", result.TransID),
		zap.Bool("matched", result.Matched),
		zap.Bool("applied", result.Applied),
		zap.Bool("duplicate", result.Duplicate),
	)
	return Ack{ResultCode: 0, ResultDesc: "Accepted"}
}
