package authorization

import (
	"context"
	"testing"

	operatordomain "github.com/smallbiznis/duka/internal/operator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockOperators struct {
	mock.Mock
}

func (m *mockOperators) Authenticate(ctx context.Context, name, password string) (*operatordomain.Operator, error) {
	args := m.Called(ctx, name, password)
	op, _ := args.Get(0).(*operatordomain.Operator)
	return op, args.Error(1)
}

func (m *mockOperators) RoleOf(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (m *mockOperators) EnsureBootstrap(ctx context.Context, name, password string) error {
	return m.Called(ctx, name, password).Error(0)
}

func newTestService(t *testing.T, ops operatordomain.Service) Service {
	t.Helper()
	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer, Operators: ops})
}

func TestOverrideAllowedOnlyForAdminOperators(t *testing.T) {
	ctx := context.Background()
	ops := &mockOperators{}
	ops.On("RoleOf", mock.Anything, "alice").Return("admin", nil)
	ops.On("RoleOf", mock.Anything, "sam").Return("support", nil)
	ops.On("RoleOf", mock.Anything, "ghost").Return("", operatordomain.ErrOperatorNotFound)

	svc := newTestService(t, ops)

	require.NoError(t, svc.Authorize(ctx, OperatorActor("alice"), ObjectOrderPayment, ActionPaymentOverride))
	assert.ErrorIs(t, svc.Authorize(ctx, OperatorActor("sam"), ObjectOrderPayment, ActionPaymentOverride), ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, OperatorActor("ghost"), ObjectOrderPayment, ActionPaymentOverride), ErrForbidden)
	require.NoError(t, svc.Authorize(ctx, OperatorActor("sam"), ObjectOrderPayment, ActionPaymentView))
}

func TestAutomatedActorsCannotOverride(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &mockOperators{})

	for _, actor := range []string{ActorSystem, ActorWebhook, ActorCron} {
		assert.ErrorIs(t, svc.Authorize(ctx, actor, ObjectOrderPayment, ActionPaymentOverride), ErrForbidden, actor)
	}
	require.NoError(t, svc.Authorize(ctx, ActorWebhook, ObjectOrderPayment, ActionPaymentSettle))
	require.NoError(t, svc.Authorize(ctx, ActorCron, ObjectOrderPayment, ActionPaymentExpire))
}

func TestAuthorizeValidatesInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &mockOperators{})

	assert.ErrorIs(t, svc.Authorize(ctx, "", ObjectOrderPayment, ActionPaymentView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:1", ObjectOrderPayment, ActionPaymentView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "operator:", ObjectOrderPayment, ActionPaymentView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, ActorSystem, "", ActionPaymentView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, ActorSystem, ObjectOrderPayment, ""), ErrInvalidAction)
}

func TestDemotedOperatorLosesRole(t *testing.T) {
	ctx := context.Background()
	ops := &mockOperators{}
	ops.On("RoleOf", mock.Anything, "alice").Return("admin", nil).Once()
	ops.On("RoleOf", mock.Anything, "alice").Return("support", nil)

	svc := newTestService(t, ops)
	require.NoError(t, svc.Authorize(ctx, OperatorActor("alice"), ObjectOrderPayment, ActionPaymentOverride))
	assert.ErrorIs(t, svc.Authorize(ctx, OperatorActor("alice"), ObjectOrderPayment, ActionPaymentOverride), ErrForbidden)
}
