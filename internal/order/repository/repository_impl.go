package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duka/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const orderColumns = `id, reference, phone, total_amount, payment_plan, payment_status,
	amount_paid, amount_due, deposit_amount, last_request_amount, transaction_id,
	initiated_at, paid_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.Reference,
		order.Phone,
		order.TotalAmount,
		order.PaymentPlan,
		order.PaymentStatus,
		order.AmountPaid,
		order.AmountDue,
		order.DepositAmount,
		order.LastRequestAmount,
		order.TransactionID,
		order.InitiatedAt,
		order.PaidAt,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		FROM orders
		WHERE id = ?
		LIMIT 1`,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		FROM orders
		WHERE reference = ?
		LIMIT 1`,
		reference,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) ConditionalUpdate(ctx context.Context, db *gorm.DB, u domain.StatusUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		SET payment_status = ?,
			amount_paid = ?,
			amount_due = ?,
			last_request_amount = COALESCE(?, last_request_amount),
			transaction_id = COALESCE(?, transaction_id),
			initiated_at = COALESCE(?, initiated_at),
			paid_at = COALESCE(?, paid_at),
			updated_at = ?
		WHERE id = ? AND payment_status = ? AND amount_paid = ?`,
		u.Status,
		u.AmountPaid,
		u.AmountDue,
		u.LastRequestAmount,
		u.TransactionID,
		u.InitiatedAt,
		u.PaidAt,
		u.UpdatedAt,
		u.OrderID,
		u.ExpectStatus,
		u.ExpectAmountPaid,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListStaleInitiated(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		FROM orders
		WHERE payment_status = ? AND initiated_at IS NOT NULL AND initiated_at < ?
		ORDER BY initiated_at ASC
		LIMIT ?`,
		domain.StatusInitiated,
		cutoff,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ExpireInitiated re-checks status and age in the UPDATE so an order settled
// or re-prompted after it was listed is left alone. It returns the ids that
// actually moved.
func (r *repo) ExpireInitiated(ctx context.Context, db *gorm.DB, ids []snowflake.ID, cutoff time.Time, target domain.PaymentStatus, now time.Time) ([]snowflake.ID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var expired []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`UPDATE orders
		SET payment_status = ?, updated_at = ?
		WHERE id IN ? AND payment_status = ? AND initiated_at < ?
		RETURNING id`,
		target,
		now,
		ids,
		domain.StatusInitiated,
		cutoff,
	).Scan(&expired).Error
	if err != nil {
		return nil, err
	}
	return expired, nil
}
