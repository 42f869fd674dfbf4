package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditcontext "github.com/smallbiznis/duka/internal/auditcontext"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/clock"
	idemdomain "github.com/smallbiznis/duka/internal/idempotency/domain"
	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

const bucketWidth = time.Minute

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Guard       idemdomain.Guard
	AuthzSvc    authorization.Service
	PaymentSvc  paymentdomain.Service
	PaymentRepo paymentdomain.Repository
	OrderRepo   orderdomain.Repository
	Purger      idemdomain.Purger `optional:"true"`
	Config      Config            `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	guard       idemdomain.Guard
	authzSvc    authorization.Service
	paymentSvc  paymentdomain.Service
	paymentRepo paymentdomain.Repository
	orderRepo   orderdomain.Repository
	purger      idemdomain.Purger
}

// Sweep is the answer to one reconcile or expire trigger. Deduped is set
// when another trigger in the same minute already ran or is running it.
type Sweep[T any] struct {
	OK      bool   `json:"ok"`
	Deduped bool   `json:"deduped"`
	Skipped string `json:"skipped,omitempty"`
	Result  *T     `json:"result,omitempty"`
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Guard == nil ||
		p.AuthzSvc == nil || p.PaymentSvc == nil || p.PaymentRepo == nil || p.OrderRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		guard:       p.Guard,
		authzSvc:    p.AuthzSvc,
		paymentSvc:  p.PaymentSvc,
		paymentRepo: p.PaymentRepo,
		orderRepo:   p.OrderRepo,
		purger:      p.Purger,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, authorization.ActorCron, "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks the rest up
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobReconcile, s.isJobEnabled(JobReconcile), func(ctx context.Context) error {
			return s.runJob(ctx, JobReconcile, s.cfg.ReconcileBatchSize, 45*time.Second, func(ctx context.Context) error {
				_, err := s.Reconcile(ctx, ReconcileOptions{})
				return err
			})
		}},
		{JobExpire, s.isJobEnabled(JobExpire), func(ctx context.Context) error {
			return s.runJob(ctx, JobExpire, s.cfg.ExpireBatchSize, 30*time.Second, func(ctx context.Context) error {
				_, err := s.Expire(ctx)
				return err
			})
		}},
		{JobPurge, s.purger != nil && s.isJobEnabled(JobPurge), func(ctx context.Context) error {
			return s.runJob(ctx, JobPurge, 0, 30*time.Second, func(ctx context.Context) error {
				_, err := s.PurgeIdempotency(ctx)
				return err
			})
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty list means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// bucketKey groups triggers into one-minute buckets so the external cron and
// the in-process ticker never double run a sweep.
func (s *Scheduler) bucketKey() string {
	return strconv.FormatInt(s.clock.Now().Unix()/int64(bucketWidth/time.Second), 10)
}

// guarded runs work once per job and minute bucket.
func guarded[T any](ctx context.Context, s *Scheduler, scope, job string, work func(ctx context.Context) (T, error)) (Sweep[T], error) {
	outcome, err := s.guard.Run(ctx, scope, s.bucketKey(), s.cfg.SweepTTL, func(ctx context.Context) (any, error) {
		return work(ctx)
	})
	if err != nil {
		return Sweep[T]{}, err
	}

	schedMetrics := obsmetrics.Scheduler()
	switch outcome.State {
	case idemdomain.OutcomeInProgress:
		schedMetrics.IncSweepDeduped(job, string(outcome.State))
		schedMetrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonClaimHeld)
		return Sweep[T]{OK: true, Deduped: true, Skipped: string(outcome.State)}, nil
	case idemdomain.OutcomeReplay:
		schedMetrics.IncSweepDeduped(job, string(outcome.State))
	}

	var result T
	if err := outcome.Decode(&result); err != nil {
		return Sweep[T]{}, err
	}
	return Sweep[T]{OK: true, Deduped: outcome.State == idemdomain.OutcomeReplay, Result: &result}, nil
}
