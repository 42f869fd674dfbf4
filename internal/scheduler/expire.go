package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duka/internal/authorization"
	idemdomain "github.com/smallbiznis/duka/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ExpireResult struct {
	Count int `json:"count"`
}

// Expire moves orders whose last prompt went unanswered for longer than the
// expiry timeout to the configured terminal status and closes their pending
// attempts.
func (s *Scheduler) Expire(ctx context.Context) (Sweep[ExpireResult], error) {
	if err := s.authzSvc.Authorize(ctx, authorization.ActorCron, authorization.ObjectOrderPayment, authorization.ActionPaymentExpire); err != nil {
		return Sweep[ExpireResult]{}, err
	}
	return guarded(ctx, s, idemdomain.ScopeExpire, JobExpire, s.expire)
}

func (s *Scheduler) expire(ctx context.Context) (ExpireResult, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpire, s.cfg.ExpireBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.ExpiryTimeout)

	var expired []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := s.orderRepo.ListStaleInitiated(ctx, tx, cutoff, s.cfg.ExpireBatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		expired, err = s.orderRepo.ExpireInitiated(ctx, tx, ids, cutoff, s.cfg.ExpiryStatus, now)
		if err != nil {
			return err
		}
		_, err = s.paymentRepo.CloseAttemptsForOrders(ctx, tx, expired, paymentdomain.AttemptClose{
			Status:      paymentdomain.AttemptFailed,
			ResultCode:  paymentdomain.ResultCodeTimeout,
			ResultDesc:  "no response before expiry",
			CompletedAt: now,
		})
		return err
	})
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.expire.failed", JobExpire, err)
		return ExpireResult{}, err
	}

	run.AddProcessed(len(expired))
	obsmetrics.Scheduler().AddBatchProcessed(JobExpire, "orders", len(expired))
	if len(expired) > 0 {
		s.logger(ctx).Info("scheduler.expire.done",
			zap.Int("count", len(expired)),
			zap.String("status", string(s.cfg.ExpiryStatus)),
		)
	}
	return ExpireResult{Count: len(expired)}, nil
}
