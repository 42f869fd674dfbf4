package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	"go.uber.org/zap"
)

// PurgeIdempotency deletes idempotency records that expired more than
// PurgeRetention ago. Expired records are already ignored by claims, so the
// delete is safe to repeat and needs no sweep guard.
func (s *Scheduler) PurgeIdempotency(ctx context.Context) (int64, error) {
	if s.purger == nil {
		return 0, nil
	}
	cutoff := s.clock.Now().UTC().Add(-s.cfg.PurgeRetention)

	run := jobRunFromContext(ctx)
	n, err := s.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.idempotency_purge.failed", JobPurge, err)
		return 0, err
	}
	run.AddProcessed(int(n))
	obsmetrics.Scheduler().AddBatchProcessed(JobPurge, "idempotency_records", int(n))
	if n > 0 {
		s.logger(ctx).Info("scheduler.idempotency_purge.done", zap.Int64("count", n))
	}
	return n, nil
}
