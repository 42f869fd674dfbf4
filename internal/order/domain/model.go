package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	StatusNone        PaymentStatus = "none"
	StatusPending     PaymentStatus = "pending"
	StatusInitiated   PaymentStatus = "initiated"
	StatusDepositPaid PaymentStatus = "deposit_paid"
	StatusPaid        PaymentStatus = "paid"
	StatusFailed      PaymentStatus = "failed"
	StatusExpired     PaymentStatus = "expired"
)

// Terminal reports whether only an override may move the order.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusExpired:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusInitiated, StatusDepositPaid, StatusPaid, StatusFailed, StatusExpired:
		return true
	}
	return false
}

type PaymentPlan string

const (
	PlanFull    PaymentPlan = "full"
	PlanDeposit PaymentPlan = "deposit"
)

type Order struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	Reference         string        `json:"reference"`
	Phone             string        `json:"phone"`
	TotalAmount       int64         `json:"totalAmount"`
	PaymentPlan       PaymentPlan   `json:"paymentPlan"`
	PaymentStatus     PaymentStatus `json:"paymentStatus"`
	AmountPaid        int64         `json:"amountPaid"`
	AmountDue         int64         `json:"amountDue"`
	DepositAmount     int64         `json:"depositAmount"`
	LastRequestAmount *int64        `json:"lastRequestAmount,omitempty"`
	TransactionID     *string       `json:"transactionId,omitempty"`
	InitiatedAt       *time.Time    `json:"initiatedAt,omitempty"`
	PaidAt            *time.Time    `json:"paidAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

func (Order) TableName() string { return "orders" }

// TransitionRequest moves an order to Target and credits AmountDelta.
type TransitionRequest struct {
	OrderID       snowflake.ID
	Target        PaymentStatus
	AmountDelta   int64
	RequestAmount *int64
	TransactionID *string
	Source        string
}

// TransitionResult is Applied=false when the move was illegal from the
// current status or another writer won the conditional update.
type TransitionResult struct {
	Applied bool          `json:"applied"`
	From    PaymentStatus `json:"from"`
	To      PaymentStatus `json:"to"`
	Order   *Order        `json:"order,omitempty"`
}

// StatusUpdate is the conditional write. It only lands when the row still
// carries ExpectStatus and ExpectAmountPaid.
type StatusUpdate struct {
	OrderID           snowflake.ID
	ExpectStatus      PaymentStatus
	ExpectAmountPaid  int64
	Status            PaymentStatus
	AmountPaid        int64
	AmountDue         int64
	LastRequestAmount *int64
	TransactionID     *string
	InitiatedAt       *time.Time
	PaidAt            *time.Time
	UpdatedAt         time.Time
}

// PaymentView is the storefront polling projection.
type PaymentView struct {
	OrderID           string        `json:"orderId"`
	Reference         string        `json:"reference"`
	Status            PaymentStatus `json:"status"`
	PaymentPlan       PaymentPlan   `json:"paymentPlan"`
	TotalAmount       int64         `json:"totalAmount"`
	AmountPaid        int64         `json:"amountPaid"`
	AmountDue         int64         `json:"amountDue"`
	DepositAmount     int64         `json:"depositAmount"`
	LastRequestAmount *int64        `json:"lastRequestAmount,omitempty"`
	Receipt           *string       `json:"receipt,omitempty"`
	PaidAt            *time.Time    `json:"paidAt,omitempty"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByReference(ctx context.Context, db *gorm.DB, reference string) (*Order, error)
	ConditionalUpdate(ctx context.Context, db *gorm.DB, update StatusUpdate) (bool, error)
	ListStaleInitiated(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error)
	ExpireInitiated(ctx context.Context, db *gorm.DB, ids []snowflake.ID, cutoff time.Time, target PaymentStatus, now time.Time) ([]snowflake.ID, error)
}

// FulfillmentUnlocker is told about orders that received money.
type FulfillmentUnlocker interface {
	Unlock(ctx context.Context, order Order, status PaymentStatus) error
}

type Service interface {
	Get(ctx context.Context, id snowflake.ID) (*Order, error)
	GetByReference(ctx context.Context, reference string) (*Order, error)
	Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error)
	Override(ctx context.Context, actor string, orderID snowflake.ID, target PaymentStatus, reason string) (TransitionResult, error)
	PaymentView(ctx context.Context, id snowflake.ID) (*PaymentView, error)
}

var (
	ErrOrderNotFound    = errors.New("order_not_found")
	ErrInvalidOrderID   = errors.New("invalid_order_id")
	ErrInvalidTarget    = errors.New("invalid_target_status")
	ErrNegativeAmount   = errors.New("negative_amount")
	ErrAmountMismatch   = errors.New("amount_status_mismatch")
	ErrOverrideReason   = errors.New("override_reason_required")
	ErrOverrideConflict = errors.New("override_conflict")
)
