package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/duka/internal/audit/domain"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/order/domain"
	"github.com/smallbiznis/duka/internal/order/repository"
	"github.com/smallbiznis/duka/internal/order/service"
	"github.com/smallbiznis/duka/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockAuthz struct {
	mock.Mock
}

func (m *mockAuthz) Authorize(ctx context.Context, actor, object, action string) error {
	return m.Called(ctx, actor, object, action).Error(0)
}

type mockAudit struct {
	mock.Mock
}

func (m *mockAudit) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	return m.Called(ctx, actorType, actorID, action, targetType, targetID, metadata).Error(0)
}

func (m *mockAudit) ListByTarget(ctx context.Context, targetType, targetID string, limit int) ([]auditdomain.AuditLog, error) {
	args := m.Called(ctx, targetType, targetID, limit)
	logs, _ := args.Get(0).([]auditdomain.AuditLog)
	return logs, args.Error(1)
}

type recordingUnlocker struct {
	mu    sync.Mutex
	calls []domain.PaymentStatus
}

func (u *recordingUnlocker) Unlock(_ context.Context, _ domain.Order, status domain.PaymentStatus) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, status)
	return nil
}

type fixture struct {
	svc      domain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	authz    *mockAuthz
	audit    *mockAudit
	unlocker *recordingUnlocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		db:       testsupport.OpenDB(t),
		clock:    clock.NewFakeClock(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)),
		authz:    &mockAuthz{},
		audit:    &mockAudit{},
		unlocker: &recordingUnlocker{},
	}
	f.svc = service.NewService(service.Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		Repo:     repository.Provide(),
		Clock:    f.clock,
		Config:   config.Config{Payment: config.PaymentConfig{DefaultDepositPercent: 50}},
		Authz:    f.authz,
		AuditSvc: f.audit,
		Unlocker: f.unlocker,
	})
	return f
}

func int64Ptr(v int64) *int64 { return &v }

func TestTransitionPendingToInitiated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 1, Phone: "0712345678", Total: 3000, Plan: "deposit", Status: "pending"})

	res, err := f.svc.Transition(ctx, domain.TransitionRequest{
		OrderID:       1,
		Target:        domain.StatusInitiated,
		RequestAmount: int64Ptr(1500),
		Source:        "stk",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusPending, res.From)

	order, err := f.svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, order.PaymentStatus)
	require.NotNil(t, order.LastRequestAmount)
	assert.Equal(t, int64(1500), *order.LastRequestAmount)
	require.NotNil(t, order.InitiatedAt)
	assert.True(t, order.InitiatedAt.Equal(f.clock.Now()))
	assert.Empty(t, f.unlocker.calls)
}

func TestDepositThenBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 2, Phone: "0712345678", Total: 3000, Plan: "deposit", Status: "initiated"})

	res, err := f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 2, Target: domain.StatusDepositPaid, AmountDelta: 1500, TransactionID: strPtr("QKA1")})
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, int64(1500), res.Order.AmountPaid)
	assert.Equal(t, int64(1500), res.Order.AmountDue)

	// balance prompt keeps deposit_paid
	res, err = f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 2, Target: domain.StatusDepositPaid, RequestAmount: int64Ptr(1500)})
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 2, Target: domain.StatusPaid, AmountDelta: 1500, TransactionID: strPtr("QKA2")})
	require.NoError(t, err)
	require.True(t, res.Applied)

	order, err := f.svc.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, order.PaymentStatus)
	assert.Equal(t, int64(3000), order.AmountPaid)
	assert.Zero(t, order.AmountDue)
	assert.NotNil(t, order.PaidAt)
	assert.Equal(t, "QKA2", *order.TransactionID)
	assert.Equal(t, []domain.PaymentStatus{domain.StatusDepositPaid, domain.StatusPaid}, f.unlocker.calls)
}

func TestTerminalStatusesAreNotApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 3, Phone: "0712345678", Total: 1000, Status: "expired"})
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 4, Phone: "0712345678", Total: 1000, Status: "paid", AmountPaid: 1000})

	res, err := f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 3, Target: domain.StatusPaid, AmountDelta: 1000})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 4, Target: domain.StatusFailed})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	order, err := f.svc.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, order.PaymentStatus)
	assert.Zero(t, order.AmountPaid)
}

func TestTransitionValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 5, Phone: "0712345678", Total: 1000, Status: "initiated"})

	_, err := f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 99, Target: domain.StatusPaid})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 5, Target: domain.StatusPaid, AmountDelta: -1})
	assert.ErrorIs(t, err, domain.ErrNegativeAmount)
	_, err = f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 5, Target: "settled"})
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
	_, err = f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 5, Target: domain.StatusPaid, AmountDelta: 10})
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 6, Phone: "0712345678", Total: 2000, Status: "initiated"})

	var wg sync.WaitGroup
	results := make(chan domain.TransitionResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Transition(ctx, domain.TransitionRequest{OrderID: 6, Target: domain.StatusPaid, AmountDelta: 2000})
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for res := range results {
		if res.Applied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	order, err := f.svc.Get(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), order.AmountPaid)
}

func TestOverrideIsAuthorizedAndAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 7, Phone: "0712345678", Total: 2500, Status: "expired"})

	admin := authorization.OperatorActor("alice")
	f.authz.On("Authorize", mock.Anything, admin, authorization.ObjectOrderPayment, authorization.ActionPaymentOverride).Return(nil)
	f.authz.On("Authorize", mock.Anything, authorization.ActorWebhook, authorization.ObjectOrderPayment, authorization.ActionPaymentOverride).Return(authorization.ErrForbidden)
	f.audit.On("AuditLog", mock.Anything, "operator", mock.Anything, auditdomain.ActionPaymentOverride, "order", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := f.svc.Override(ctx, authorization.ActorWebhook, 7, domain.StatusPaid, "paid in cash")
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	_, err = f.svc.Override(ctx, admin, 7, domain.StatusPaid, "  ")
	assert.ErrorIs(t, err, domain.ErrOverrideReason)

	res, err := f.svc.Override(ctx, admin, 7, domain.StatusPaid, "paid in cash at the counter")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusExpired, res.From)
	assert.Equal(t, int64(2500), res.Order.AmountPaid)
	f.audit.AssertExpectations(t)

	view, err := f.svc.PaymentView(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, view.Status)
	assert.Zero(t, view.AmountDue)
}

func TestPaymentViewDefaultsDeposit(t *testing.T) {
	f := newFixture(t)
	testsupport.SeedOrder(t, f.db, testsupport.OrderSeed{ID: 8, Phone: "0712345678", Total: 3001, Plan: "deposit", Status: "none"})

	view, err := f.svc.PaymentView(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(1501), view.DepositAmount)
	assert.Equal(t, "8", view.OrderID)

	_, err = f.svc.PaymentView(context.Background(), snowflake.ID(0))
	assert.ErrorIs(t, err, domain.ErrInvalidOrderID)
}

func strPtr(s string) *string { return &s }
