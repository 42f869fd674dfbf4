package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/clock"
	idemrepo "github.com/smallbiznis/duka/internal/idempotency/repository"
	idemservice "github.com/smallbiznis/duka/internal/idempotency/service"
	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
	orderrepo "github.com/smallbiznis/duka/internal/order/repository"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/duka/internal/payment/repository"
	"github.com/smallbiznis/duka/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubPayments struct {
	paymentdomain.Service

	mu       sync.Mutex
	pending  []paymentdomain.Attempt
	outcomes map[snowflake.ID]paymentdomain.SettleOutcome
	c2b      paymentdomain.C2BSweep
	calls    int
}

func (p *stubPayments) ListPendingSTK(context.Context, time.Time, int) ([]paymentdomain.Attempt, error) {
	return p.pending, nil
}

func (p *stubPayments) Reconcile(_ context.Context, a paymentdomain.Attempt) (paymentdomain.SettleResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return paymentdomain.SettleResult{Outcome: p.outcomes[a.ID]}, nil
}

func (p *stubPayments) MatchUnmatchedC2B(context.Context, int) (paymentdomain.C2BSweep, error) {
	return p.c2b, nil
}

type fixture struct {
	sched    *Scheduler
	db       *gorm.DB
	clock    *clock.FakeClock
	payments *stubPayments
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)

	db := testsupport.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 7, 1, 12, 0, 30, 0, time.UTC))
	payments := &stubPayments{outcomes: map[snowflake.ID]paymentdomain.SettleOutcome{}}

	sched, err := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Guard:       idemservice.NewGuard(idemservice.Params{Store: idemrepo.NewSQLStore(db, clk), Log: zap.NewNop()}),
		AuthzSvc:    authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		PaymentSvc:  payments,
		PaymentRepo: paymentrepo.Provide(),
		OrderRepo:   orderrepo.Provide(),
		Purger:      idemrepo.NewSQLStore(db, clk),
		Config:      cfg,
	})
	require.NoError(t, err)
	return &fixture{sched: sched, db: db, clock: clk, payments: payments}
}

func orderStatus(t *testing.T, db *gorm.DB, id int64) string {
	t.Helper()
	var status string
	require.NoError(t, db.Raw(`SELECT payment_status FROM orders WHERE id = ?`, id).Scan(&status).Error)
	return status
}

func seedAttempt(t *testing.T, db *gorm.DB, id, orderID int64, createdAt time.Time) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO payment_attempts (id, order_id, channel, phone, amount, correlation_id, checkout_request_id, status, created_at)
		VALUES (?, ?, 'stk', '0712345678', 100, 'corr', ?, 'pending', ?)`,
		id, orderID, "ws_CO_"+snowflake.ID(id).String(), createdAt,
	).Error)
}

func TestExpireNeverTouchesTerminalOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ExpiryTimeout: 10 * time.Minute})
	stale := f.clock.Now().Add(-11 * time.Minute)
	fresh := f.clock.Now().Add(-2 * time.Minute)

	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 1, Phone: "0712345678", Total: 500, Status: "initiated", InitiatedAt: &stale})
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 2, Phone: "0712345678", Total: 500, Status: "initiated", InitiatedAt: &fresh})
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 3, Phone: "0712345678", Total: 500, AmountPaid: 500, Status: "paid", InitiatedAt: &stale})
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 4, Phone: "0712345678", Total: 500, AmountPaid: 250, Status: "deposit_paid", InitiatedAt: &stale})
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 5, Phone: "0712345678", Total: 500, Status: "expired", InitiatedAt: &stale})
	seedAttempt(t, f.db, 10, 1, stale)
	seedAttempt(t, f.db, 20, 2, fresh)

	sweep, err := f.sched.Expire(ctx)
	require.NoError(t, err)
	require.True(t, sweep.OK)
	require.NotNil(t, sweep.Result)
	assert.Equal(t, 1, sweep.Result.Count)

	assert.Equal(t, "failed", orderStatus(t, f.db, 1))
	assert.Equal(t, "initiated", orderStatus(t, f.db, 2))
	assert.Equal(t, "paid", orderStatus(t, f.db, 3))
	assert.Equal(t, "deposit_paid", orderStatus(t, f.db, 4))
	assert.Equal(t, "expired", orderStatus(t, f.db, 5))

	var status, code string
	require.NoError(t, f.db.Raw(`SELECT status, result_code FROM payment_attempts WHERE id = 10`).Row().Scan(&status, &code))
	assert.Equal(t, "failed", status)
	assert.Equal(t, paymentdomain.ResultCodeTimeout, code)
	require.NoError(t, f.db.Raw(`SELECT status FROM payment_attempts WHERE id = 20`).Scan(&status).Error)
	assert.Equal(t, "pending", status)
}

func TestExpireUsesConfiguredStatusAndDedupesBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ExpiryTimeout: 10 * time.Minute, ExpiryStatus: orderdomain.StatusExpired})
	stale := f.clock.Now().Add(-time.Hour)
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 1, Phone: "0712345678", Total: 500, Status: "initiated", InitiatedAt: &stale})

	first, err := f.sched.Expire(ctx)
	require.NoError(t, err)
	assert.False(t, first.Deduped)
	assert.Equal(t, "expired", orderStatus(t, f.db, 1))

	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 2, Phone: "0712345678", Total: 500, Status: "initiated", InitiatedAt: &stale})

	second, err := f.sched.Expire(ctx)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
	require.NotNil(t, second.Result)
	assert.Equal(t, 1, second.Result.Count)
	assert.Equal(t, "initiated", orderStatus(t, f.db, 2))

	f.clock.Advance(time.Minute)
	third, err := f.sched.Expire(ctx)
	require.NoError(t, err)
	assert.False(t, third.Deduped)
	assert.Equal(t, 1, third.Result.Count)
	assert.Equal(t, "expired", orderStatus(t, f.db, 2))
}

func TestReconcileCountsOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.payments.pending = []paymentdomain.Attempt{{ID: 1, OrderID: 11}, {ID: 2, OrderID: 12}, {ID: 3, OrderID: 13}, {ID: 4, OrderID: 14}}
	f.payments.outcomes[1] = paymentdomain.SettleSettled
	f.payments.outcomes[2] = paymentdomain.SettleFailed
	f.payments.outcomes[3] = paymentdomain.SettleStillPending
	f.payments.outcomes[4] = paymentdomain.SettleNotApplied
	f.payments.c2b = paymentdomain.C2BSweep{Checked: 2, Matched: 1, Errors: 1}

	sweep, err := f.sched.Reconcile(ctx, ReconcileOptions{BatchSize: 10000, LookbackMinutes: -5})
	require.NoError(t, err)
	require.NotNil(t, sweep.Result)
	assert.Equal(t, ReconcileResult{Checked: 4, Settled: 1, Failed: 1, StillPending: 1, MatchedC2B: 1, Errors: 1}, *sweep.Result)

	again, err := f.sched.Reconcile(ctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, again.Deduped)
	assert.Equal(t, 4, f.payments.calls)
}

func TestPurgeIdempotencyKeepsRecentRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{PurgeRetention: time.Hour})
	store := idemrepo.NewSQLStore(f.db, f.clock)

	_, err := store.Claim(ctx, "stk_callback", "ws_CO_old", time.Minute)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = store.Claim(ctx, "stk_callback", "ws_CO_recent", time.Minute)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)

	n, err := f.sched.PurgeIdempotency(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var keys []string
	require.NoError(t, f.db.Raw(`SELECT idempotency_key FROM idempotency_records ORDER BY idempotency_key`).Scan(&keys).Error)
	assert.Equal(t, []string{"ws_CO_recent"}, keys)
}

func TestRunOnceRunsPurgeJob(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "duka",
		Environment: "test",
	})

	ctx := context.Background()
	f := newFixture(t, Config{PurgeRetention: time.Minute, EnabledJobs: []string{JobPurge}})
	store := idemrepo.NewSQLStore(f.db, f.clock)
	_, err := store.Claim(ctx, "stk_initiate", "1:k", time.Minute)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	require.NoError(t, f.sched.RunOnce(ctx))

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM idempotency_records`).Scan(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, 1.0, getCounterValue(t, registry, "duka_scheduler_job_runs_total", map[string]string{
		"service": "duka",
		"env":     "test",
		"job":     JobPurge,
	}))
	assert.Equal(t, 0, f.payments.calls, "reconcile is not enabled")
}

func TestClampBounds(t *testing.T) {
	assert.Equal(t, 1, ClampBatchSize(-3))
	assert.Equal(t, 500, ClampBatchSize(10000))
	assert.Equal(t, 50, ClampBatchSize(50))
	assert.Equal(t, 1, ClampLookbackMinutes(0))
	assert.Equal(t, 1440, ClampLookbackMinutes(5000))

	cfg := Config{ExpiryStatus: "bogus"}.withDefaults()
	assert.Equal(t, 50, cfg.ReconcileBatchSize)
	assert.Equal(t, 60, cfg.ReconcileLookbackMins)
	assert.Equal(t, orderdomain.StatusFailed, cfg.ExpiryStatus)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "duka",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "duka",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "duka_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "duka",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "duka_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
