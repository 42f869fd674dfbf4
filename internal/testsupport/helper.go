// Package testsupport builds in-memory databases carrying the payment schema.
package testsupport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/duka/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// OpenDB returns a private in-memory database carrying the embedded
// migrations. A single connection serialises concurrent writers the way row
// locks would.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:duka_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplySQLiteSchema(db); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

// OrderSeed describes a row inserted by SeedOrder.
type OrderSeed struct {
	ID            snowflake.ID
	Reference     string
	Phone         string
	Total         int64
	Plan          string
	Status        string
	AmountPaid    int64
	DepositAmount int64
	InitiatedAt   *time.Time
	CreatedAt     time.Time
}

func SeedOrder(t testing.TB, db *gorm.DB, o OrderSeed) {
	t.Helper()

	if o.Plan == "" {
		o.Plan = "full"
	}
	if o.Status == "" {
		o.Status = "none"
	}
	if o.Reference == "" {
		o.Reference = fmt.Sprintf("ORD-%d", o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	due := o.Total - o.AmountPaid
	if due < 0 {
		due = 0
	}
	err := db.Exec(
		`INSERT INTO orders (id, reference, phone, total_amount, payment_plan, payment_status,
			amount_paid, amount_due, deposit_amount, initiated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Reference, o.Phone, o.Total, o.Plan, o.Status,
		o.AmountPaid, due, o.DepositAmount, o.InitiatedAt, o.CreatedAt, o.CreatedAt,
	).Error
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

// AgeInitiated sets the time of an order's last prompt.
func AgeInitiated(ctx context.Context, db *gorm.DB, orderID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders SET initiated_at = ? WHERE id = ?`,
		at,
		orderID,
	).Error
}
