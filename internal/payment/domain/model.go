package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duka/internal/mpesa"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const ProviderMpesa = "mpesa"

type Channel string

const (
	ChannelSTK Channel = "stk"
	ChannelC2B Channel = "c2b"
)

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

const (
	ResultCodeTimeout      = "timeout"
	ResultCodeGatewayError = "gateway_error"
)

// Attempt is one prompt sent to the gateway. Rows leave pending exactly once.
type Attempt struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrderID           snowflake.ID  `json:"order_id"`
	Channel           Channel       `json:"channel"`
	Phone             string        `json:"phone"`
	Amount            int64         `json:"amount"`
	CorrelationID     string        `json:"correlation_id"`
	CheckoutRequestID *string       `json:"checkout_request_id,omitempty"`
	MerchantRequestID *string       `json:"merchant_request_id,omitempty"`
	Status            AttemptStatus `json:"status"`
	ResultCode        *string       `json:"result_code,omitempty"`
	ResultDesc        *string       `json:"result_desc,omitempty"`
	MpesaReceipt      *string       `json:"mpesa_receipt,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

func (Attempt) TableName() string { return "payment_attempts" }

// AttemptClose is the terminal write for a pending attempt.
type AttemptClose struct {
	AttemptID   snowflake.ID
	Status      AttemptStatus
	ResultCode  string
	ResultDesc  string
	Receipt     *string
	CompletedAt time.Time
}

type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	OrderID         *snowflake.ID  `json:"order_id"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypeSTKCallback     = "stk_callback"
	EventTypeC2BConfirmation = "c2b_confirmation"
)

// C2BRecord is a pay-bill receipt. OrderID stays nil until the bill reference
// resolves to an order.
type C2BRecord struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	TransID       string        `json:"trans_id"`
	BillRefNumber string        `json:"bill_ref_number"`
	MSISDN        string        `json:"msisdn"`
	Amount        int64         `json:"amount"`
	TransTime     string        `json:"trans_time"`
	OrderID       *snowflake.ID `json:"order_id,omitempty"`
	MatchedAt     *time.Time    `json:"matched_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (C2BRecord) TableName() string { return "c2b_payments" }

// Gateway is the subset of the Daraja client the settlement flow needs.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

type Repository interface {
	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *Attempt) error
	SetAttemptRequestIDs(ctx context.Context, db *gorm.DB, id snowflake.ID, checkoutRequestID, merchantRequestID string) error
	FindAttemptByCheckout(ctx context.Context, db *gorm.DB, checkoutRequestID string) (*Attempt, error)
	CloseAttempt(ctx context.Context, db *gorm.DB, close AttemptClose) (bool, error)
	CloseAttemptsForOrders(ctx context.Context, db *gorm.DB, orderIDs []snowflake.ID, close AttemptClose) (int64, error)
	ReopenAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, from AttemptStatus) error
	RecordLatePayment(ctx context.Context, db *gorm.DB, close AttemptClose) (bool, error)
	CountPendingAttempts(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (int64, error)
	ListPendingSTK(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]Attempt, error)

	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	InsertC2B(ctx context.Context, db *gorm.DB, record *C2BRecord) (bool, error)
	FindC2B(ctx context.Context, db *gorm.DB, transID string) (*C2BRecord, error)
	ListUnmatchedC2B(ctx context.Context, db *gorm.DB, limit int) ([]C2BRecord, error)
	MatchC2B(ctx context.Context, db *gorm.DB, id snowflake.ID, orderID snowflake.ID, matchedAt time.Time) (bool, error)
	UnmatchC2B(ctx context.Context, db *gorm.DB, id snowflake.ID, orderID snowflake.ID) error
}

type InitiateRequest struct {
	OrderID        snowflake.ID
	Phone          string
	IdempotencyKey string
}

type InitiateResponse struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
	MerchantRequestID string `json:"merchantRequestId"`
	CustomerMessage   string `json:"customerMessage"`
}

type SettleOutcome string

const (
	SettleSettled        SettleOutcome = "settled"
	SettleFailed         SettleOutcome = "failed"
	SettleNotApplied     SettleOutcome = "not_applied"
	SettleStillPending   SettleOutcome = "still_pending"
	SettleUnknownAttempt SettleOutcome = "unknown_attempt"
)

// SettleResult reports what a callback or a reconciliation query did.
// Duplicate is set when the same gateway result was already handled.
type SettleResult struct {
	Outcome   SettleOutcome `json:"outcome"`
	OrderID   string        `json:"orderId,omitempty"`
	Status    string        `json:"status,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

type C2BResult struct {
	TransID   string `json:"transId"`
	Recorded  bool   `json:"recorded"`
	Matched   bool   `json:"matched"`
	Applied   bool   `json:"applied"`
	OrderID   string `json:"orderId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// C2BSweep summarises one pass over pay-bill receipts that had no order yet.
type C2BSweep struct {
	Checked int `json:"checked"`
	Matched int `json:"matched"`
	Errors  int `json:"errors"`
}

type Service interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)
	HandleSTKCallback(ctx context.Context, raw []byte) (SettleResult, error)
	Reconcile(ctx context.Context, attempt Attempt) (SettleResult, error)
	ListPendingSTK(ctx context.Context, since time.Time, limit int) ([]Attempt, error)
	ValidateC2B(ctx context.Context, raw []byte) error
	HandleC2BConfirmation(ctx context.Context, raw []byte) (C2BResult, error)
	MatchUnmatchedC2B(ctx context.Context, limit int) (C2BSweep, error)
}

var (
	ErrPhoneMismatch      = errors.New("phone_mismatch")
	ErrOrderAlreadyPaid   = errors.New("order_already_paid")
	ErrOrderClosed        = errors.New("order_closed")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrAttemptNotFound    = errors.New("attempt_not_found")
	ErrInitiationInFlight = errors.New("initiation_in_progress")
	ErrGatewayFailure     = errors.New("gateway_failure")
	ErrUnknownReference   = errors.New("unknown_bill_reference")
)

// InitiationError wraps a gateway failure during STK initiation. The order is
// untouched and the client may retry.
type InitiationError struct {
	Cause error
}

func (e *InitiationError) Error() string {
	if e.Cause == nil {
		return ErrGatewayFailure.Error()
	}
	return ErrGatewayFailure.Error() + ": " + e.Cause.Error()
}

func (e *InitiationError) Unwrap() []error {
	return []error{ErrGatewayFailure, e.Cause}
}
