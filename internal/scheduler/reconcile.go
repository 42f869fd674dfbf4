package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/duka/internal/authorization"
	idemdomain "github.com/smallbiznis/duka/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
	"go.uber.org/zap"
)

// ReconcileOptions overrides the configured batch for a single trigger. Zero
// values use the configuration.
type ReconcileOptions struct {
	BatchSize       int
	LookbackMinutes int
}

type ReconcileResult struct {
	Checked      int `json:"checked"`
	Settled      int `json:"settled"`
	Failed       int `json:"failed"`
	StillPending int `json:"still_pending"`
	MatchedC2B   int `json:"matched_c2b"`
	Errors       int `json:"errors"`
}

// Reconcile re-queries pending STK prompts the gateway never called back for
// and matches pay-bill receipts that arrived before their order.
func (s *Scheduler) Reconcile(ctx context.Context, opts ReconcileOptions) (Sweep[ReconcileResult], error) {
	if err := s.authzSvc.Authorize(ctx, authorization.ActorCron, authorization.ObjectOrderPayment, authorization.ActionPaymentSettle); err != nil {
		return Sweep[ReconcileResult]{}, err
	}

	batch := s.cfg.ReconcileBatchSize
	if opts.BatchSize != 0 {
		batch = ClampBatchSize(opts.BatchSize)
	}
	lookback := s.cfg.ReconcileLookbackMins
	if opts.LookbackMinutes != 0 {
		lookback = ClampLookbackMinutes(opts.LookbackMinutes)
	}

	return guarded(ctx, s, idemdomain.ScopeReconcile, JobReconcile, func(ctx context.Context) (ReconcileResult, error) {
		return s.reconcile(ctx, batch, lookback)
	})
}

func (s *Scheduler) reconcile(ctx context.Context, batch, lookbackMinutes int) (ReconcileResult, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcile, batch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var result ReconcileResult
	since := s.clock.Now().UTC().Add(-time.Duration(lookbackMinutes) * time.Minute)
	attempts, err := s.paymentSvc.ListPendingSTK(ctx, since, batch)
	if err != nil {
		return result, err
	}

	for _, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		res, err := s.paymentSvc.Reconcile(ctx, attempt)
		if err != nil {
			result.Errors++
			s.logSchedulerError(ctx, run, "scheduler.reconcile.attempt_failed", JobReconcile, err,
				zap.String("attempt_id", attempt.ID.String()),
				zap.String("order_id", attempt.OrderID.String()),
			)
			continue
		}
		switch res.Outcome {
		case paymentdomain.SettleSettled:
			result.Settled++
		case paymentdomain.SettleFailed:
			result.Failed++
		case paymentdomain.SettleStillPending:
			result.StillPending++
		}
	}
	run.AddProcessed(result.Settled + result.Failed)

	c2b, err := s.paymentSvc.MatchUnmatchedC2B(ctx, batch)
	if err != nil {
		result.Errors++
		s.logSchedulerError(ctx, run, "scheduler.reconcile.c2b_failed", JobReconcile, err)
	}
	result.MatchedC2B = c2b.Matched
	result.Errors += c2b.Errors
	run.AddProcessed(c2b.Matched)

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobReconcile, "stk_attempts", result.Checked)
	schedMetrics.AddBatchProcessed(JobReconcile, "c2b_payments", c2b.Checked)

	s.logger(ctx).Info("scheduler.reconcile.done",
		zap.Int("checked", result.Checked),
		zap.Int("settled", result.Settled),
		zap.Int("failed", result.Failed),
		zap.Int("still_pending", result.StillPending),
		zap.Int("matched_c2b", result.MatchedC2B),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}
