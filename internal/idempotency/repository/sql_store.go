package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/idempotency/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SQLStore relies on the (scope, idempotency_key) primary key for the first
// claim and on a conditional UPDATE for takeover of expired records.
type SQLStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewSQLStore(db *gorm.DB, clk clock.Clock) *SQLStore {
	return &SQLStore{db: db, clock: clk}
}

type recordRow struct {
	Scope          string
	IdempotencyKey string
	Token          string
	State          string
	Result         *string
	ExpiresAt      time.Time
}

func (s *SQLStore) Claim(ctx context.Context, scope, key string, ttl time.Duration) (domain.Claim, error) {
	// A concurrent Release can delete the row between the failed insert and
	// the read; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		now := s.clock.Now()
		token := uuid.NewString()

		res := s.db.WithContext(ctx).Exec(
			`INSERT INTO idempotency_records (scope, idempotency_key, token, state, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (scope, idempotency_key) DO NOTHING`,
			scope, key, token, string(domain.StateInProgress), now.Add(ttl), now, now,
		)
		if res.Error != nil {
			return domain.Claim{}, res.Error
		}
		if res.RowsAffected == 1 {
			return domain.Claim{Acquired: true, Token: token}, nil
		}

		res = s.db.WithContext(ctx).Exec(
			`UPDATE idempotency_records
			SET token = ?, state = ?, result = NULL, expires_at = ?, updated_at = ?
			WHERE scope = ? AND idempotency_key = ? AND expires_at <= ?`,
			token, string(domain.StateInProgress), now.Add(ttl), now,
			scope, key, now,
		)
		if res.Error != nil {
			return domain.Claim{}, res.Error
		}
		if res.RowsAffected == 1 {
			return domain.Claim{Acquired: true, Token: token}, nil
		}

		existing, err := s.find(ctx, scope, key)
		if err != nil {
			return domain.Claim{}, err
		}
		if existing != nil {
			return domain.Claim{Existing: existing}, nil
		}
	}
	return domain.Claim{}, domain.ErrClaimLost
}

func (s *SQLStore) Complete(ctx context.Context, scope, key, token string, result json.RawMessage, ttl time.Duration) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE idempotency_records
		SET state = ?, result = ?, expires_at = ?, updated_at = ?
		WHERE scope = ? AND idempotency_key = ? AND token = ?`,
		string(domain.StateCompleted), datatypes.JSON(result), now.Add(ttl), now,
		scope, key, token,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, scope, key, token string) error {
	return s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records
		WHERE scope = ? AND idempotency_key = ? AND token = ?`,
		scope, key, token,
	).Error
}

// PurgeExpired removes records whose expiry passed before cutoff.
func (s *SQLStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_records WHERE expires_at < ?`,
		cutoff,
	)
	return res.RowsAffected, res.Error
}

func (s *SQLStore) find(ctx context.Context, scope, key string) (*domain.Record, error) {
	var row recordRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT scope, idempotency_key, token, state, result, expires_at
		FROM idempotency_records
		WHERE scope = ? AND idempotency_key = ?
		LIMIT 1`,
		scope, key,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Scope == "" {
		return nil, nil
	}
	rec := &domain.Record{
		Scope:     row.Scope,
		Key:       row.IdempotencyKey,
		Token:     row.Token,
		State:     domain.State(row.State),
		ExpiresAt: row.ExpiresAt,
	}
	if row.Result != nil {
		rec.Result = json.RawMessage(*row.Result)
	}
	return rec, nil
}
