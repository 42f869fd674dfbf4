package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/duka/internal/audit/domain"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	"github.com/smallbiznis/duka/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sourceOverride = "override"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       domain.Repository
	Clock      clock.Clock
	Config     config.Config
	Authz      authorization.Service
	AuditSvc   auditdomain.Service
	Unlocker   domain.FulfillmentUnlocker
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	repo           domain.Repository
	clock          clock.Clock
	authz          authorization.Service
	auditSvc       auditdomain.Service
	unlocker       domain.FulfillmentUnlocker
	obsMetrics     *obsmetrics.Metrics
	depositPercent int
}

func NewService(p Params) domain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("order.service"),
		repo:           p.Repo,
		clock:          p.Clock,
		authz:          p.Authz,
		auditSvc:       p.AuditSvc,
		unlocker:       p.Unlocker,
		obsMetrics:     p.ObsMetrics,
		depositPercent: p.Config.Payment.DefaultDepositPercent,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Order, error) {
	if id == 0 {
		return nil, domain.ErrInvalidOrderID
	}
	order, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) GetByReference(ctx context.Context, reference string) (*domain.Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, domain.ErrOrderNotFound
	}
	order, err := s.repo.FindByReference(ctx, s.db, reference)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) Transition(ctx context.Context, req domain.TransitionRequest) (domain.TransitionResult, error) {
	if req.Target == domain.StatusNone || !req.Target.Valid() {
		return domain.TransitionResult{}, domain.ErrInvalidTarget
	}
	if req.AmountDelta < 0 {
		return domain.TransitionResult{}, domain.ErrNegativeAmount
	}

	order, err := s.Get(ctx, req.OrderID)
	if err != nil {
		return domain.TransitionResult{}, err
	}

	from := order.PaymentStatus
	result := domain.TransitionResult{From: from, To: req.Target, Order: order}
	log := s.log.With(
		zap.String("order_id", order.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(req.Target)),
		zap.String("source", req.Source),
	)

	if !domain.CanTransition(from, req.Target) {
		log.Info("payment transition not applied", zap.String("reason", "illegal_from_current_status"))
		return result, nil
	}

	newPaid, newDue := domain.ApplyAmount(order.TotalAmount, order.AmountPaid, req.AmountDelta)
	switch req.Target {
	case domain.StatusPaid:
		if newDue > 0 {
			return domain.TransitionResult{}, domain.ErrAmountMismatch
		}
	case domain.StatusDepositPaid:
		if newDue == 0 || newPaid == 0 {
			return domain.TransitionResult{}, domain.ErrAmountMismatch
		}
	}

	now := s.clock.Now()
	update := domain.StatusUpdate{
		OrderID:          order.ID,
		ExpectStatus:     from,
		ExpectAmountPaid: order.AmountPaid,
		Status:           req.Target,
		AmountPaid:       newPaid,
		AmountDue:        newDue,
		TransactionID:    req.TransactionID,
		UpdatedAt:        now,
	}
	if req.RequestAmount != nil {
		update.LastRequestAmount = req.RequestAmount
		update.InitiatedAt = &now
	}
	if req.Target == domain.StatusPaid {
		update.PaidAt = &now
	}

	applied, err := s.repo.ConditionalUpdate(ctx, s.db, update)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if !applied {
		log.Info("payment transition not applied", zap.String("reason", "concurrent_update"))
		return result, nil
	}

	updated := applyUpdate(*order, update)
	result.Applied = true
	result.Order = &updated
	s.obsMetrics.RecordTransition(ctx, string(from), string(req.Target), req.Source)
	log.Info("payment transition applied",
		zap.Int64("amount_paid", newPaid),
		zap.Int64("amount_due", newDue),
	)

	if newPaid > order.AmountPaid && (req.Target == domain.StatusPaid || req.Target == domain.StatusDepositPaid) {
		if err := s.unlocker.Unlock(ctx, updated, req.Target); err != nil {
			log.Warn("fulfillment unlock failed", zap.Error(err))
		}
	}
	return result, nil
}

// Override is the audited back-office path and may move an order out of any
// status, terminal ones included.
func (s *Service) Override(ctx context.Context, actor string, orderID snowflake.ID, target domain.PaymentStatus, reason string) (domain.TransitionResult, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectOrderPayment, authorization.ActionPaymentOverride); err != nil {
		return domain.TransitionResult{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.TransitionResult{}, domain.ErrOverrideReason
	}
	if !target.Valid() {
		return domain.TransitionResult{}, domain.ErrInvalidTarget
	}

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return domain.TransitionResult{}, err
	}

	newPaid := order.AmountPaid
	switch target {
	case domain.StatusPaid:
		newPaid = order.TotalAmount
	case domain.StatusDepositPaid:
		if newPaid == 0 {
			newPaid = min(domain.DepositAmount(*order, s.depositPercent), order.TotalAmount)
		}
	}
	newPaid, newDue := domain.ApplyAmount(order.TotalAmount, newPaid, 0)

	now := s.clock.Now()
	update := domain.StatusUpdate{
		OrderID:          order.ID,
		ExpectStatus:     order.PaymentStatus,
		ExpectAmountPaid: order.AmountPaid,
		Status:           target,
		AmountPaid:       newPaid,
		AmountDue:        newDue,
		UpdatedAt:        now,
	}
	if target == domain.StatusPaid {
		update.PaidAt = &now
	}

	applied, err := s.repo.ConditionalUpdate(ctx, s.db, update)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if !applied {
		return domain.TransitionResult{}, domain.ErrOverrideConflict
	}

	updated := applyUpdate(*order, update)
	s.obsMetrics.RecordTransition(ctx, string(order.PaymentStatus), string(target), sourceOverride)

	actorID := strings.TrimPrefix(actor, authorization.ActorOperatorPref)
	targetID := order.ID.String()
	if err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeOperator), &actorID, auditdomain.ActionPaymentOverride, "order", &targetID, map[string]any{
		"from":        string(order.PaymentStatus),
		"to":          string(target),
		"reason":      reason,
		"amount_paid": newPaid,
		"phone":       order.Phone,
	}); err != nil {
		s.log.Error("audit payment override failed", zap.String("order_id", targetID), zap.Error(err))
	}

	s.log.Warn("payment status overridden",
		zap.String("order_id", targetID),
		zap.String("actor", actorID),
		zap.String("from", string(order.PaymentStatus)),
		zap.String("to", string(target)),
	)

	return domain.TransitionResult{
		Applied: true,
		From:    order.PaymentStatus,
		To:      target,
		Order:   &updated,
	}, nil
}

func (s *Service) PaymentView(ctx context.Context, id snowflake.ID) (*domain.PaymentView, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	deposit := int64(0)
	if order.PaymentPlan == domain.PlanDeposit {
		deposit = domain.DepositAmount(*order, s.depositPercent)
	}
	return &domain.PaymentView{
		OrderID:           order.ID.String(),
		Reference:         order.Reference,
		Status:            order.PaymentStatus,
		PaymentPlan:       order.PaymentPlan,
		TotalAmount:       order.TotalAmount,
		AmountPaid:        order.AmountPaid,
		AmountDue:         order.AmountDue,
		DepositAmount:     deposit,
		LastRequestAmount: order.LastRequestAmount,
		Receipt:           order.TransactionID,
		PaidAt:            order.PaidAt,
	}, nil
}

func applyUpdate(order domain.Order, u domain.StatusUpdate) domain.Order {
	order.PaymentStatus = u.Status
	order.AmountPaid = u.AmountPaid
	order.AmountDue = u.AmountDue
	if u.LastRequestAmount != nil {
		order.LastRequestAmount = u.LastRequestAmount
	}
	if u.TransactionID != nil {
		order.TransactionID = u.TransactionID
	}
	if u.InitiatedAt != nil {
		order.InitiatedAt = u.InitiatedAt
	}
	if u.PaidAt != nil {
		order.PaidAt = u.PaidAt
	}
	order.UpdatedAt = u.UpdatedAt
	return order
}
