package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	RoleAdmin   = "admin"
	RoleSupport = "support"
)

// Operator is a back-office user allowed to call the admin surface.
type Operator struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	Name         string       `json:"name"`
	PasswordHash string       `json:"-"`
	Role         string       `json:"role"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (Operator) TableName() string { return "admin_operators" }

type Repository interface {
	FindByName(ctx context.Context, db *gorm.DB, name string) (*Operator, error)
	Insert(ctx context.Context, db *gorm.DB, op *Operator) error
}

type Service interface {
	Authenticate(ctx context.Context, name, password string) (*Operator, error)
	RoleOf(ctx context.Context, name string) (string, error)
	EnsureBootstrap(ctx context.Context, name, password string) error
}

var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrOperatorNotFound   = errors.New("operator_not_found")
	ErrInvalidName        = errors.New("invalid_operator_name")
	ErrWeakPassword       = errors.New("weak_password")
)
