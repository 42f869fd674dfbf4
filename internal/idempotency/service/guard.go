package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/duka/internal/idempotency/domain"
	"github.com/smallbiznis/duka/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Store   domain.Store
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Guard struct {
	store   domain.Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewGuard(p Params) domain.Guard {
	return &Guard{
		store:   p.Store,
		log:     p.Log.Named("idempotency.guard"),
		metrics: p.Metrics,
	}
}

// Run executes work at most once per (scope, key) while a claim or a completed
// result is live. A concurrent caller gets in_progress without blocking, a later
// caller gets the stored result, and a failed work releases the claim.
func (g *Guard) Run(ctx context.Context, scope, key string, ttl time.Duration, work domain.Work) (domain.Outcome, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" {
		return domain.Outcome{}, domain.ErrInvalidScope
	}
	if key == "" {
		return domain.Outcome{}, domain.ErrInvalidKey
	}
	if ttl <= 0 {
		return domain.Outcome{}, domain.ErrInvalidTTL
	}

	claim, err := g.store.Claim(ctx, scope, key, ttl)
	if err != nil {
		g.metrics.RecordIdempotency(ctx, scope, "error")
		return domain.Outcome{}, err
	}

	if !claim.Acquired {
		existing := claim.Existing
		if existing != nil && existing.State == domain.StateCompleted {
			g.metrics.RecordIdempotency(ctx, scope, string(domain.OutcomeReplay))
			return domain.Outcome{State: domain.OutcomeReplay, Result: existing.Result}, nil
		}
		g.metrics.RecordIdempotency(ctx, scope, string(domain.OutcomeInProgress))
		return domain.Outcome{State: domain.OutcomeInProgress}, nil
	}

	value, workErr := work(ctx)
	if workErr != nil {
		// Detached so a cancelled request still frees the key for the next trigger.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := g.store.Release(releaseCtx, scope, key, claim.Token); err != nil {
			g.log.Warn("release idempotency claim failed",
				zap.String("scope", scope),
				zap.String("key", key),
				zap.Error(err),
			)
		}
		g.metrics.RecordIdempotency(ctx, scope, "released")
		return domain.Outcome{}, workErr
	}

	result, err := json.Marshal(value)
	if err != nil {
		_ = g.store.Release(context.WithoutCancel(ctx), scope, key, claim.Token)
		return domain.Outcome{}, err
	}

	if err := g.store.Complete(context.WithoutCancel(ctx), scope, key, claim.Token, result, ttl); err != nil {
		level := zap.ErrorLevel
		if errors.Is(err, domain.ErrClaimLost) {
			level = zap.WarnLevel
		}
		g.log.Check(level, "complete idempotency claim failed").Write(
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
	}

	g.metrics.RecordIdempotency(ctx, scope, string(domain.OutcomeFresh))
	return domain.Outcome{State: domain.OutcomeFresh, Result: result}, nil
}
