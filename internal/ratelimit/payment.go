package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/observability/metrics"
)

const (
	keyPaymentIP    = "stk:ip:%s"
	keyPaymentOrder = "stk:order:%s"

	endpointSTK = "payments.stk"
)

// Denial names the granularity that rejected the request.
type Denial struct {
	Scope  string
	Result Result
}

// PaymentLimiter applies the per-IP and per-order windows to STK initiation.
type PaymentLimiter struct {
	limiter     Limiter
	metrics     *metrics.Metrics
	ipLimit     int
	ipWindow    time.Duration
	orderLimit  int
	orderWindow time.Duration
}

func NewPaymentLimiter(limiter Limiter, cfg config.RateLimitConfig, m *metrics.Metrics) *PaymentLimiter {
	return &PaymentLimiter{
		limiter:     limiter,
		metrics:     m,
		ipLimit:     cfg.IPLimit,
		ipWindow:    cfg.IPWindow,
		orderLimit:  cfg.OrderLimit,
		orderWindow: cfg.OrderWindow,
	}
}

// AllowInitiation returns nil when every window admits the request. The IP
// window is checked first so an abusive client cannot drain an order's budget.
// The order window is keyed on the resolved id, never on what the client sent.
func (l *PaymentLimiter) AllowInitiation(ctx context.Context, clientIP string, orderID snowflake.ID) (*Denial, error) {
	checks := []struct {
		scope  string
		key    string
		limit  int
		window time.Duration
	}{
		{"ip", fmt.Sprintf(keyPaymentIP, normalizeKeyPart(clientIP)), l.ipLimit, l.ipWindow},
		{"order", fmt.Sprintf(keyPaymentOrder, orderID.String()), l.orderLimit, l.orderWindow},
	}

	for _, c := range checks {
		res, err := l.limiter.Allow(ctx, c.key, c.limit, c.window)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			l.metrics.RecordRateLimitDenied(ctx, endpointSTK, c.scope)
			return &Denial{Scope: c.scope, Result: res}, nil
		}
	}
	l.metrics.RecordRateLimitAllowed(ctx, endpointSTK)
	return nil, nil
}

func normalizeKeyPart(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
