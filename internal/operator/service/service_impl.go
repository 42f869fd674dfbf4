package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/operator/credentials"
	"github.com/smallbiznis/duka/internal/operator/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const minPasswordLen = 12

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("operator.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

// Authenticate returns ErrInvalidCredentials for both unknown names and bad
// passwords so callers cannot probe which operators exist.
func (s *Service) Authenticate(ctx context.Context, name, password string) (*domain.Operator, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}
	op, err := s.repo.FindByName(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if op == nil || !credentials.Verify(password, op.PasswordHash) {
		s.log.Info("operator authentication failed", zap.String("operator", name))
		return nil, domain.ErrInvalidCredentials
	}
	return op, nil
}

func (s *Service) RoleOf(ctx context.Context, name string) (string, error) {
	op, err := s.repo.FindByName(ctx, s.db, strings.TrimSpace(name))
	if err != nil {
		return "", err
	}
	if op == nil {
		return "", domain.ErrOperatorNotFound
	}
	return strings.ToLower(strings.TrimSpace(op.Role)), nil
}

// EnsureBootstrap creates the first admin operator when credentials are configured.
// An existing operator with the same name is left untouched.
func (s *Service) EnsureBootstrap(ctx context.Context, name, password string) error {
	name = strings.TrimSpace(name)
	if name == "" && password == "" {
		return nil
	}
	if name == "" {
		return domain.ErrInvalidName
	}
	if len(password) < minPasswordLen {
		return domain.ErrWeakPassword
	}

	existing, err := s.repo.FindByName(ctx, s.db, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	hash, err := credentials.Hash(password)
	if err != nil {
		return err
	}
	op := &domain.Operator{
		ID:           s.genID.Generate(),
		Name:         name,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, s.db, op); err != nil {
		return err
	}
	s.log.Info("bootstrap operator created", zap.String("operator", name))
	return nil
}
