package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	idemdomain "github.com/smallbiznis/duka/internal/idempotency/domain"
	"github.com/smallbiznis/duka/internal/mpesa"
	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
	"github.com/smallbiznis/duka/internal/payment/domain"
	"github.com/smallbiznis/duka/internal/phone"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	sourceSTK       = "stk"
	sourceCallback  = "stk_callback"
	sourceReconcile = "reconcile"
	sourceC2B       = "c2b"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	OrderSvc   orderdomain.Service
	Gateway    domain.Gateway
	Guard      idemdomain.Guard
	Clock      clock.Clock
	Config     config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	orderSvc   orderdomain.Service
	gateway    domain.Gateway
	guard      idemdomain.Guard
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	depositPercent int
	gatewayTimeout time.Duration
	initiateTTL    time.Duration
	callbackTTL    time.Duration
}

func NewService(p Params) domain.Service {
	timeout := p.Config.Mpesa.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payment.service"),
		genID:          p.GenID,
		repo:           p.Repo,
		orderSvc:       p.OrderSvc,
		gateway:        p.Gateway,
		guard:          p.Guard,
		clock:          p.Clock,
		obsMetrics:     p.ObsMetrics,
		depositPercent: p.Config.Payment.DefaultDepositPercent,
		gatewayTimeout: timeout,
		initiateTTL:    positiveOr(p.Config.Idempotency.InitiateTTL, 10*time.Minute),
		callbackTTL:    positiveOr(p.Config.Idempotency.CallbackTTL, 24*time.Hour),
	}
}

// Initiate sends an STK prompt for the amount the order currently owes. With
// an idempotency key a retried request replays the first response instead of
// prompting the customer again.
func (s *Service) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResponse, error) {
	if req.OrderID == 0 {
		return nil, orderdomain.ErrInvalidOrderID
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return s.initiate(ctx, req)
	}

	outcome, err := s.guard.Run(ctx, idemdomain.ScopeSTKInitiate, req.OrderID.String()+":"+key, s.initiateTTL,
		func(ctx context.Context) (any, error) {
			return s.initiate(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	if outcome.State == idemdomain.OutcomeInProgress {
		return nil, domain.ErrInitiationInFlight
	}

	var resp domain.InitiateResponse
	if err := outcome.Decode(&resp); err != nil {
		return nil, err
	}
	if outcome.State == idemdomain.OutcomeReplay {
		s.obsMetrics.RecordSTKInitiation(ctx, "replay")
	}
	return &resp, nil
}

func (s *Service) initiate(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResponse, error) {
	normalized, err := phone.Normalize(req.Phone)
	if err != nil {
		return nil, err
	}

	order, err := s.orderSvc.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	stored, err := phone.Normalize(order.Phone)
	if err != nil || stored != normalized {
		return nil, domain.ErrPhoneMismatch
	}

	switch order.PaymentStatus {
	case orderdomain.StatusPaid:
		return nil, domain.ErrOrderAlreadyPaid
	case orderdomain.StatusFailed, orderdomain.StatusExpired:
		return nil, domain.ErrOrderClosed
	}

	amount := orderdomain.RequestAmount(*order, s.depositPercent)
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	msisdn, err := phone.ToGateway(normalized)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	correlation := ulid.Make().String()
	attempt := &domain.Attempt{
		ID:            s.genID.Generate(),
		OrderID:       order.ID,
		Channel:       domain.ChannelSTK,
		Phone:         normalized,
		Amount:        amount,
		CorrelationID: correlation,
		Status:        domain.AttemptPending,
		CreatedAt:     now,
	}
	if err := s.repo.InsertAttempt(ctx, s.db, attempt); err != nil {
		return nil, err
	}

	log := s.log.With(
		zap.String("order_id", order.ID.String()),
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("correlation_id", correlation),
	)

	pushCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	resp, err := s.gateway.STKPush(pushCtx, mpesa.STKPushRequest{
		PhoneNumber:      msisdn,
		Amount:           amount,
		AccountReference: order.Reference,
		// Daraja caps the description at 13 characters; the ULID's random
		// tail is what distinguishes prompts for the same order.
		TransactionDesc: correlation[len(correlation)-13:],
	})
	if err != nil {
		s.closeFailedPush(ctx, attempt.ID, err)
		log.Warn("stk initiation failed", zap.Error(err))
		s.obsMetrics.RecordSTKInitiation(ctx, "gateway_error")
		return nil, &domain.InitiationError{Cause: err}
	}

	if err := s.repo.SetAttemptRequestIDs(ctx, s.db, attempt.ID, resp.CheckoutRequestID, resp.MerchantRequestID); err != nil {
		// The prompt is already on the handset; reconciliation cannot find
		// this attempt without the checkout id so surface it loudly.
		log.Error("record checkout request id failed",
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err),
		)
		return nil, err
	}

	target := orderdomain.StatusInitiated
	if order.PaymentStatus == orderdomain.StatusDepositPaid {
		target = orderdomain.StatusDepositPaid
	}
	requested := amount
	result, err := s.orderSvc.Transition(ctx, orderdomain.TransitionRequest{
		OrderID:       order.ID,
		Target:        target,
		RequestAmount: &requested,
		Source:        sourceSTK,
	})
	if err != nil {
		log.Error("mark order initiated failed", zap.Error(err))
		return nil, err
	}
	if !result.Applied {
		log.Info("order changed while prompt was in flight",
			zap.String("from", string(result.From)),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
		)
	}

	log.Info("stk prompt sent",
		zap.Int64("amount", amount),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
	)
	s.obsMetrics.RecordSTKInitiation(ctx, "sent")

	return &domain.InitiateResponse{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

func (s *Service) closeFailedPush(ctx context.Context, attemptID snowflake.ID, cause error) {
	desc := cause.Error()
	var apiErr *mpesa.APIError
	if errors.As(cause, &apiErr) && apiErr.ErrorMessage != "" {
		desc = apiErr.ErrorMessage
	}
	_, err := s.repo.CloseAttempt(context.WithoutCancel(ctx), s.db, domain.AttemptClose{
		AttemptID:   attemptID,
		Status:      domain.AttemptFailed,
		ResultCode:  domain.ResultCodeGatewayError,
		ResultDesc:  desc,
		CompletedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("close failed attempt", zap.String("attempt_id", attemptID.String()), zap.Error(err))
	}
}

// HandleSTKCallback applies an authenticated gateway callback. Concurrent and
// repeated deliveries of the same checkout id settle at most once.
func (s *Service) HandleSTKCallback(ctx context.Context, raw []byte) (domain.SettleResult, error) {
	cb, err := domain.ParseSTKCallback(raw)
	if err != nil {
		s.obsMetrics.RecordCallback(ctx, domain.ProviderMpesa, domain.EventTypeSTKCallback, "invalid")
		return domain.SettleResult{}, err
	}
	return s.settleGuarded(ctx, *cb, json.RawMessage(raw), sourceCallback)
}

// Reconcile asks the gateway for the result of a pending attempt and settles
// it through the same path as the callback.
func (s *Service) Reconcile(ctx context.Context, attempt domain.Attempt) (domain.SettleResult, error) {
	if attempt.CheckoutRequestID == nil || *attempt.CheckoutRequestID == "" {
		return domain.SettleResult{Outcome: domain.SettleNotApplied, OrderID: attempt.OrderID.String()}, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	resp, err := s.gateway.STKQuery(queryCtx, *attempt.CheckoutRequestID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(resp.ResultCode))
	if resp.Pending || convErr != nil {
		return domain.SettleResult{Outcome: domain.SettleStillPending, OrderID: attempt.OrderID.String()}, nil
	}

	cb := domain.STKCallback{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: *attempt.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        resp.ResultDesc,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return domain.SettleResult{}, err
	}
	return s.settleGuarded(ctx, cb, payload, sourceReconcile)
}

func (s *Service) ListPendingSTK(ctx context.Context, since time.Time, limit int) ([]domain.Attempt, error) {
	return s.repo.ListPendingSTK(ctx, s.db, since, limit)
}

func (s *Service) settleGuarded(ctx context.Context, cb domain.STKCallback, payload json.RawMessage, source string) (domain.SettleResult, error) {
	outcome, err := s.guard.Run(ctx, idemdomain.ScopeSTKCallback, cb.CheckoutRequestID, s.callbackTTL,
		func(ctx context.Context) (any, error) {
			return s.settle(ctx, cb, payload, source)
		})
	if err != nil {
		s.obsMetrics.RecordCallback(ctx, domain.ProviderMpesa, domain.EventTypeSTKCallback, "error")
		return domain.SettleResult{}, err
	}

	if outcome.State != idemdomain.OutcomeFresh {
		s.log.Info("duplicate stk result ignored",
			zap.String("checkout_request_id", cb.CheckoutRequestID),
			zap.String("source", source),
			zap.String("state", string(outcome.State)),
		)
		s.obsMetrics.RecordCallback(ctx, domain.ProviderMpesa, domain.EventTypeSTKCallback, "duplicate")
		return domain.SettleResult{Outcome: domain.SettleNotApplied, Duplicate: true}, nil
	}

	var result domain.SettleResult
	if err := outcome.Decode(&result); err != nil {
		return domain.SettleResult{}, err
	}
	s.obsMetrics.RecordCallback(ctx, domain.ProviderMpesa, domain.EventTypeSTKCallback, string(result.Outcome))
	return result, nil
}

func (s *Service) settle(ctx context.Context, cb domain.STKCallback, payload json.RawMessage, source string) (domain.SettleResult, error) {
	attempt, err := s.repo.FindAttemptByCheckout(ctx, s.db, cb.CheckoutRequestID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if attempt == nil {
		s.log.Warn("stk result for unknown checkout request",
			zap.String("checkout_request_id", cb.CheckoutRequestID),
			zap.String("source", source),
		)
		return domain.SettleResult{Outcome: domain.SettleUnknownAttempt}, nil
	}

	event, fresh, err := s.recordEvent(ctx, domain.EventTypeSTKCallback, cb.CheckoutRequestID, &attempt.OrderID, payload)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if !fresh {
		return domain.SettleResult{Outcome: domain.SettleNotApplied, OrderID: attempt.OrderID.String(), Duplicate: true}, nil
	}

	var result domain.SettleResult
	if cb.Succeeded() {
		result, err = s.settleSuccess(ctx, *attempt, cb, source)
	} else {
		result, err = s.settleFailure(ctx, *attempt, cb, source)
	}
	if err != nil {
		return domain.SettleResult{}, err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, event.ID, s.clock.Now().UTC()); err != nil {
		return domain.SettleResult{}, err
	}
	return result, nil
}

func (s *Service) settleSuccess(ctx context.Context, attempt domain.Attempt, cb domain.STKCallback, source string) (domain.SettleResult, error) {
	now := s.clock.Now().UTC()
	var receipt *string
	if r := strings.TrimSpace(cb.Receipt()); r != "" {
		receipt = &r
	}
	amount := cb.Amount()
	if amount <= 0 {
		amount = attempt.Amount
	}

	attemptClose := domain.AttemptClose{
		AttemptID:   attempt.ID,
		Status:      domain.AttemptSucceeded,
		ResultCode:  strconv.Itoa(cb.ResultCode),
		ResultDesc:  cb.ResultDesc,
		Receipt:     receipt,
		CompletedAt: now,
	}
	closed, err := s.repo.CloseAttempt(ctx, s.db, attemptClose)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if !closed {
		return s.settleClosedAttempt(ctx, attempt, attemptClose, cb, amount, source)
	}

	order, err := s.orderSvc.Get(ctx, attempt.OrderID)
	if err != nil {
		s.reopen(ctx, attempt.ID, domain.AttemptSucceeded)
		return domain.SettleResult{}, err
	}
	transition, err := s.orderSvc.Transition(ctx, orderdomain.TransitionRequest{
		OrderID:       order.ID,
		Target:        orderdomain.SettlementTarget(*order, amount),
		AmountDelta:   amount,
		TransactionID: receipt,
		Source:        source,
	})
	if err != nil {
		s.reopen(ctx, attempt.ID, domain.AttemptSucceeded)
		return domain.SettleResult{}, err
	}

	log := s.log.With(
		zap.String("order_id", order.ID.String()),
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.Int64("amount", amount),
		zap.String("source", source),
	)
	if !transition.Applied {
		// Money arrived for an order that already left the automatic lifecycle
		// (expired, failed or fully paid). An operator reconciles it by override.
		log.Warn("payment received but order not updated", zap.String("status", string(transition.From)))
		return domain.SettleResult{Outcome: domain.SettleNotApplied, OrderID: order.ID.String(), Status: string(transition.From)}, nil
	}

	log.Info("payment settled", zap.String("status", string(transition.To)))
	return domain.SettleResult{Outcome: domain.SettleSettled, OrderID: order.ID.String(), Status: string(transition.To)}, nil
}

// settleClosedAttempt handles a success for an attempt that already left
// pending. When the expiry sweep closed it, the receipt is kept on the attempt
// so the money can be traced; the order stays where the sweep left it.
func (s *Service) settleClosedAttempt(ctx context.Context, attempt domain.Attempt, attemptClose domain.AttemptClose, cb domain.STKCallback, amount int64, source string) (domain.SettleResult, error) {
	log := s.log.With(
		zap.String("order_id", attempt.OrderID.String()),
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.Int64("amount", amount),
		zap.String("source", source),
	)
	if attemptClose.Receipt != nil {
		log = log.With(zap.String("mpesa_receipt", *attemptClose.Receipt))
	}
	result := domain.SettleResult{Outcome: domain.SettleNotApplied, OrderID: attempt.OrderID.String()}

	recorded, err := s.repo.RecordLatePayment(ctx, s.db, attemptClose)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if !recorded {
		current, err := s.repo.FindAttemptByCheckout(ctx, s.db, cb.CheckoutRequestID)
		if err != nil {
			return domain.SettleResult{}, err
		}
		status := ""
		if current != nil {
			status = string(current.Status)
		}
		log.Info("stk success for closed attempt ignored", zap.String("attempt_status", status))
		return result, nil
	}

	if order, err := s.orderSvc.Get(ctx, attempt.OrderID); err == nil {
		result.Status = string(order.PaymentStatus)
	}
	log.Warn("payment received after expiry", zap.String("status", result.Status))
	return result, nil
}

func (s *Service) settleFailure(ctx context.Context, attempt domain.Attempt, cb domain.STKCallback, source string) (domain.SettleResult, error) {
	closed, err := s.repo.CloseAttempt(ctx, s.db, domain.AttemptClose{
		AttemptID:   attempt.ID,
		Status:      domain.AttemptFailed,
		ResultCode:  strconv.Itoa(cb.ResultCode),
		ResultDesc:  cb.ResultDesc,
		CompletedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		return domain.SettleResult{}, err
	}
	if !closed {
		return domain.SettleResult{Outcome: domain.SettleNotApplied, OrderID: attempt.OrderID.String()}, nil
	}

	// A newer prompt for the same order is still open; the customer may yet pay it.
	pending, err := s.repo.CountPendingAttempts(ctx, s.db, attempt.OrderID)
	if err != nil {
		return domain.SettleResult{}, err
	}
	if pending > 0 {
		return domain.SettleResult{Outcome: domain.SettleFailed, OrderID: attempt.OrderID.String()}, nil
	}

	transition, err := s.orderSvc.Transition(ctx, orderdomain.TransitionRequest{
		OrderID: attempt.OrderID,
		Target:  orderdomain.StatusFailed,
		Source:  source,
	})
	if err != nil {
		s.reopen(ctx, attempt.ID, domain.AttemptFailed)
		return domain.SettleResult{}, err
	}

	s.log.Info("payment prompt failed",
		zap.String("order_id", attempt.OrderID.String()),
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.Int("result_code", cb.ResultCode),
		zap.String("result_desc", cb.ResultDesc),
		zap.Bool("order_failed", transition.Applied),
	)
	status := transition.From
	if transition.Applied {
		status = transition.To
	}
	return domain.SettleResult{Outcome: domain.SettleFailed, OrderID: attempt.OrderID.String(), Status: string(status)}, nil
}

func (s *Service) reopen(ctx context.Context, attemptID snowflake.ID, from domain.AttemptStatus) {
	if err := s.repo.ReopenAttempt(context.WithoutCancel(ctx), s.db, attemptID, from); err != nil {
		s.log.Error("reopen attempt failed", zap.String("attempt_id", attemptID.String()), zap.Error(err))
	}
}

// recordEvent stores the raw gateway payload once per provider event id.
// fresh is false when the event was already processed.
func (s *Service) recordEvent(ctx context.Context, eventType, providerEventID string, orderID *snowflake.ID, payload json.RawMessage) (*domain.EventRecord, bool, error) {
	if !json.Valid(payload) {
		return nil, false, domain.ErrInvalidPayload
	}
	received := domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        domain.ProviderMpesa,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		OrderID:         orderID,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now().UTC(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return &received, true, nil
	}

	stored, err := s.repo.FindEvent(ctx, s.db, domain.ProviderMpesa, providerEventID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, domain.ErrInvalidEvent
	}
	return stored, stored.ProcessedAt == nil, nil
}

// ValidateC2B answers the pay-bill validation request. A nil error accepts
// the payment.
func (s *Service) ValidateC2B(ctx context.Context, raw []byte) error {
	payment, err := domain.ParseC2BPayment(raw, false)
	if err != nil {
		return err
	}
	order, err := s.orderSvc.GetByReference(ctx, payment.Reference())
	if err != nil {
		if errors.Is(err, orderdomain.ErrOrderNotFound) {
			return domain.ErrUnknownReference
		}
		return err
	}
	switch order.PaymentStatus {
	case orderdomain.StatusPaid:
		return domain.ErrOrderAlreadyPaid
	case orderdomain.StatusFailed, orderdomain.StatusExpired:
		return domain.ErrOrderClosed
	}
	return nil
}

// HandleC2BConfirmation records a pay-bill receipt and settles the order it
// references. Receipts whose reference does not resolve yet are kept and
// retried by MatchUnmatchedC2B.
func (s *Service) HandleC2BConfirmation(ctx context.Context, raw []byte) (domain.C2BResult, error) {
	payment, err := domain.ParseC2BPayment(raw, true)
	if err != nil {
		s.obsMetrics.RecordCallback(ctx, domain.ProviderMpesa, domain.EventTypeC2BConfirmation, "invalid")
		return domain.C2BResult{}, err
	}

	outcome, err := s.guard.Run(ctx, idemdomain.ScopeC2B, payment.TransID, s.callbackTTL,
		func(ctx context.Context) (any, error) {
			return s.applyC2B(ctx, *payment, json.RawMessage(raw))
		})
	if err != nil {
		s.obsMetrics.RecordCallback(ctx, domain.ProviderMpesa, domain.EventTypeC2BConfirmation, "error")
		return domain.C2BResult{}, err
	}
	if outcome.State != idemdomain.OutcomeFresh {
		s.obsMetrics.RecordCallback(ctx, domain.ProviderMpesa, domain.EventTypeC2BConfirmation, "duplicate")
		return domain.C2BResult{TransID: payment.TransID, Duplicate: true}, nil
	}

	var result domain.C2BResult
	if err := outcome.Decode(&result); err != nil {
		return domain.C2BResult{}, err
	}
	s.obsMetrics.RecordCallback(ctx, domain.ProviderMpesa, domain.EventTypeC2BConfirmation, c2bOutcome(result))
	return result, nil
}

func c2bOutcome(r domain.C2BResult) string {
	switch {
	case r.Duplicate:
		return "duplicate"
	case r.Applied:
		return "settled"
	case r.Matched:
		return "not_applied"
	default:
		return "unmatched"
	}
}

func (s *Service) applyC2B(ctx context.Context, payment domain.C2BPayment, payload json.RawMessage) (domain.C2BResult, error) {
	result := domain.C2BResult{TransID: payment.TransID}

	event, fresh, err := s.recordEvent(ctx, domain.EventTypeC2BConfirmation, payment.TransID, nil, payload)
	if err != nil {
		return result, err
	}
	if !fresh {
		result.Duplicate = true
		return result, nil
	}

	msisdn := strings.TrimSpace(payment.MSISDN)
	if local, err := phone.FromGateway(msisdn); err == nil {
		msisdn = local
	}
	rec := &domain.C2BRecord{
		ID:            s.genID.Generate(),
		TransID:       payment.TransID,
		BillRefNumber: payment.Reference(),
		MSISDN:        msisdn,
		Amount:        payment.Amount(),
		TransTime:     payment.TransTime,
		CreatedAt:     s.clock.Now().UTC(),
	}
	inserted, err := s.repo.InsertC2B(ctx, s.db, rec)
	if err != nil {
		return result, err
	}
	if !inserted {
		rec, err = s.repo.FindC2B(ctx, s.db, payment.TransID)
		if err != nil {
			return result, err
		}
		if rec == nil {
			return result, domain.ErrInvalidEvent
		}
	}
	result.Recorded = true

	if rec.OrderID == nil {
		matched, applied, orderID, err := s.matchC2B(ctx, *rec)
		if err != nil {
			return result, err
		}
		result.Matched = matched
		result.Applied = applied
		result.OrderID = orderID
	} else {
		result.Matched = true
		result.OrderID = rec.OrderID.String()
	}

	if err := s.repo.MarkProcessed(ctx, s.db, event.ID, s.clock.Now().UTC()); err != nil {
		return result, err
	}
	return result, nil
}

// matchC2B binds a receipt to the order its reference names and credits the
// amount. The match is claimed before the order write so two sweeps never
// credit the same receipt twice.
func (s *Service) matchC2B(ctx context.Context, rec domain.C2BRecord) (matched bool, applied bool, orderID string, err error) {
	order, err := s.orderSvc.GetByReference(ctx, rec.BillRefNumber)
	if err != nil {
		if errors.Is(err, orderdomain.ErrOrderNotFound) {
			s.log.Info("c2b receipt left unmatched",
				zap.String("trans_id", rec.TransID),
				zap.String("bill_ref_number", rec.BillRefNumber),
			)
			return false, false, "", nil
		}
		return false, false, "", err
	}

	ok, err := s.repo.MatchC2B(ctx, s.db, rec.ID, order.ID, s.clock.Now().UTC())
	if err != nil {
		return false, false, "", err
	}
	if !ok {
		return true, false, order.ID.String(), nil
	}

	transID := rec.TransID
	transition, err := s.orderSvc.Transition(ctx, orderdomain.TransitionRequest{
		OrderID:       order.ID,
		Target:        orderdomain.SettlementTarget(*order, rec.Amount),
		AmountDelta:   rec.Amount,
		TransactionID: &transID,
		Source:        sourceC2B,
	})
	if err != nil {
		if unmatchErr := s.repo.UnmatchC2B(context.WithoutCancel(ctx), s.db, rec.ID, order.ID); unmatchErr != nil {
			s.log.Error("unmatch c2b receipt failed", zap.String("trans_id", rec.TransID), zap.Error(unmatchErr))
		}
		return false, false, "", err
	}

	log := s.log.With(
		zap.String("order_id", order.ID.String()),
		zap.String("trans_id", rec.TransID),
		zap.Int64("amount", rec.Amount),
	)
	if !transition.Applied {
		log.Warn("c2b receipt matched but order not updated", zap.String("status", string(transition.From)))
		return true, false, order.ID.String(), nil
	}
	log.Info("c2b receipt settled", zap.String("status", string(transition.To)))
	return true, true, order.ID.String(), nil
}

func (s *Service) MatchUnmatchedC2B(ctx context.Context, limit int) (domain.C2BSweep, error) {
	var sweep domain.C2BSweep
	records, err := s.repo.ListUnmatchedC2B(ctx, s.db, limit)
	if err != nil {
		return sweep, err
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}
		sweep.Checked++
		_, applied, _, err := s.matchC2B(ctx, rec)
		if err != nil {
			sweep.Errors++
			s.log.Warn("match c2b receipt failed", zap.String("trans_id", rec.TransID), zap.Error(err))
			continue
		}
		if applied {
			sweep.Matched++
		}
	}
	return sweep, nil
}

func positiveOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
