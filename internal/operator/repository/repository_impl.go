package repository

import (
	"context"

	"github.com/smallbiznis/duka/internal/operator/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByName(ctx context.Context, db *gorm.DB, name string) (*domain.Operator, error) {
	var op domain.Operator
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, password_hash, role, created_at
		FROM admin_operators
		WHERE name = ?
		LIMIT 1`,
		name,
	).Scan(&op).Error
	if err != nil {
		return nil, err
	}
	if op.ID == 0 {
		return nil, nil
	}
	return &op, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, op *domain.Operator) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO admin_operators (id, name, password_hash, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING`,
		op.ID, op.Name, op.PasswordHash, op.Role, op.CreatedAt,
	).Error
}
