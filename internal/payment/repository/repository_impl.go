package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duka/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const attemptColumns = `id, order_id, channel, phone, amount, correlation_id, checkout_request_id,
	merchant_request_id, status, result_code, result_desc, mpesa_receipt, created_at, completed_at`

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, a *domain.Attempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.OrderID,
		a.Channel,
		a.Phone,
		a.Amount,
		a.CorrelationID,
		a.CheckoutRequestID,
		a.MerchantRequestID,
		a.Status,
		a.ResultCode,
		a.ResultDesc,
		a.MpesaReceipt,
		a.CreatedAt,
		a.CompletedAt,
	).Error
}

func (r *repo) SetAttemptRequestIDs(ctx context.Context, db *gorm.DB, id snowflake.ID, checkoutRequestID, merchantRequestID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		SET checkout_request_id = ?, merchant_request_id = ?
		WHERE id = ? AND status = ?`,
		checkoutRequestID,
		merchantRequestID,
		id,
		domain.AttemptPending,
	).Error
}

func (r *repo) FindAttemptByCheckout(ctx context.Context, db *gorm.DB, checkoutRequestID string) (*domain.Attempt, error) {
	var item domain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE checkout_request_id = ?
		LIMIT 1`,
		checkoutRequestID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// CloseAttempt only lands on a pending row, so a second callback or a
// reconciliation racing the webhook reports false.
func (r *repo) CloseAttempt(ctx context.Context, db *gorm.DB, c domain.AttemptClose) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		SET status = ?, result_code = ?, result_desc = ?, mpesa_receipt = COALESCE(?, mpesa_receipt), completed_at = ?
		WHERE id = ? AND status = ?`,
		c.Status,
		c.ResultCode,
		c.ResultDesc,
		c.Receipt,
		c.CompletedAt,
		c.AttemptID,
		domain.AttemptPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReopenAttempt puts an attempt back to pending when the order write that
// followed its close failed, so reconciliation picks it up again.
func (r *repo) ReopenAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.AttemptStatus) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		SET status = ?, result_code = NULL, result_desc = NULL, completed_at = NULL
		WHERE id = ? AND status = ?`,
		domain.AttemptPending,
		id,
		from,
	).Error
}

// RecordLatePayment stores the gateway result on an attempt the expiry sweep
// already closed as a timeout. It never touches the order.
func (r *repo) RecordLatePayment(ctx context.Context, db *gorm.DB, c domain.AttemptClose) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		SET status = ?, result_code = ?, result_desc = ?, mpesa_receipt = COALESCE(?, mpesa_receipt), completed_at = ?
		WHERE id = ? AND status = ? AND result_code = ?`,
		c.Status,
		c.ResultCode,
		c.ResultDesc,
		c.Receipt,
		c.CompletedAt,
		c.AttemptID,
		domain.AttemptFailed,
		domain.ResultCodeTimeout,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CountPendingAttempts(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payment_attempts WHERE order_id = ? AND status = ?`,
		orderID,
		domain.AttemptPending,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CloseAttemptsForOrders(ctx context.Context, db *gorm.DB, orderIDs []snowflake.ID, c domain.AttemptClose) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		SET status = ?, result_code = ?, result_desc = ?, completed_at = ?
		WHERE order_id IN ? AND status = ?`,
		c.Status,
		c.ResultCode,
		c.ResultDesc,
		c.CompletedAt,
		orderIDs,
		domain.AttemptPending,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListPendingSTK(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]domain.Attempt, error) {
	var items []domain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE status = ? AND channel = ? AND checkout_request_id IS NOT NULL AND created_at >= ?
		ORDER BY created_at ASC
		LIMIT ?`,
		domain.AttemptPending,
		domain.ChannelSTK,
		since,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, order_id,
			payload, received_at, processed_at
		FROM payment_events
		WHERE provider = ? AND provider_event_id = ?
		LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_type, order_id,
			payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.OrderID,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		SET processed_at = ?
		WHERE id = ?`,
		processedAt,
		id,
	).Error
}

const c2bColumns = `id, trans_id, bill_ref_number, msisdn, amount, trans_time, order_id, matched_at, created_at`

func (r *repo) InsertC2B(ctx context.Context, db *gorm.DB, rec *domain.C2BRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO c2b_payments (`+c2bColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trans_id) DO NOTHING`,
		rec.ID,
		rec.TransID,
		rec.BillRefNumber,
		rec.MSISDN,
		rec.Amount,
		rec.TransTime,
		rec.OrderID,
		rec.MatchedAt,
		rec.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindC2B(ctx context.Context, db *gorm.DB, transID string) (*domain.C2BRecord, error) {
	var item domain.C2BRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+c2bColumns+`
		FROM c2b_payments
		WHERE trans_id = ?
		LIMIT 1`,
		transID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListUnmatchedC2B(ctx context.Context, db *gorm.DB, limit int) ([]domain.C2BRecord, error) {
	var items []domain.C2BRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+c2bColumns+`
		FROM c2b_payments
		WHERE order_id IS NULL
		ORDER BY created_at ASC
		LIMIT ?`,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MatchC2B(ctx context.Context, db *gorm.DB, id snowflake.ID, orderID snowflake.ID, matchedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE c2b_payments
		SET order_id = ?, matched_at = ?
		WHERE id = ? AND order_id IS NULL`,
		orderID,
		matchedAt,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UnmatchC2B(ctx context.Context, db *gorm.DB, id snowflake.ID, orderID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE c2b_payments
		SET order_id = NULL, matched_at = NULL
		WHERE id = ? AND order_id = ?`,
		id,
		orderID,
	).Error
}
