package authorization

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/duka/internal/audit/domain"
	operatordomain "github.com/smallbiznis/duka/internal/operator/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectOrderPayment = "order_payment"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionPaymentOverride = "payment.override"
	ActionPaymentSettle   = "payment.settle"
	ActionPaymentExpire   = "payment.expire"
	ActionPaymentView     = "payment.view"
	ActionAuditLogView    = "audit_log.view"
)

const (
	ActorSystem       = "system"
	ActorWebhook      = "webhook"
	ActorCron         = "cron"
	ActorOperatorPref = "operator:"
)

// OperatorActor builds the subject string for an authenticated back-office operator.
func OperatorActor(name string) string {
	return ActorOperatorPref + strings.TrimSpace(name)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Enforcer  *casbin.SyncedEnforcer
	Operators operatordomain.Service
	AuditSvc  auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log       *zap.Logger
	enforcer  *casbin.SyncedEnforcer
	operators operatordomain.Service
	auditSvc  auditdomain.Service
}

// NewEnforcer loads policies persisted by the gorm adapter and seeds the defaults.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	return newEnforcer(adapter)
}

// NewMemoryEnforcer builds an enforcer with the default policies and no persistence.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	return newEnforcer(nil)
}

func newEnforcer(adapter persist.Adapter) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	var enforcer *casbin.SyncedEnforcer
	if adapter != nil {
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
	}
	if err != nil {
		return nil, err
	}

	enforcer.EnableAutoBuildRoleLinks(true)
	if adapter != nil {
		enforcer.EnableAutoSave(true)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:       p.Log.Named("authorization.service"),
		enforcer:  p.Enforcer,
		operators: p.Operators,
		auditSvc:  p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorID, err := s.resolveActor(ctx, actor)
	if err != nil {
		s.auditDenied(ctx, actorType, actorID, object, action)
		return err
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("actor_type", actorType),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDenied(ctx, actorType, actorID, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string) (string, string, string, *string, error) {
	switch actor {
	case ActorSystem, ActorWebhook, ActorCron:
		return actor, "role:" + actor, actor, nil, nil
	}
	if strings.HasPrefix(actor, ActorOperatorPref) {
		name := strings.TrimSpace(strings.TrimPrefix(actor, ActorOperatorPref))
		if name == "" {
			return "", "", "", nil, ErrInvalidActor
		}
		if s.operators == nil {
			return actor, "", "operator", &name, ErrForbidden
		}
		role, err := s.operators.RoleOf(ctx, name)
		if err != nil {
			if errors.Is(err, operatordomain.ErrOperatorNotFound) {
				return actor, "", "operator", &name, ErrForbidden
			}
			return actor, "", "operator", &name, err
		}
		if role == "" {
			return actor, "", "operator", &name, ErrForbidden
		}
		return actor, "role:" + role, "operator", &name, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

// ensureGrouping keeps exactly one role link per subject so a demoted operator
// loses the old role on the next check.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorID *string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := object
	_ = s.auditSvc.AuditLog(ctx, actorType, actorID, "authorization.denied", "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
	})
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:admin", ObjectOrderPayment, ActionPaymentOverride},
		{"role:admin", ObjectOrderPayment, ActionPaymentView},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		{"role:support", ObjectOrderPayment, ActionPaymentView},
		{"role:support", ObjectAuditLog, ActionAuditLogView},

		// Automated callers settle through the state machine, never override.
		{"role:webhook", ObjectOrderPayment, ActionPaymentSettle},
		{"role:cron", ObjectOrderPayment, ActionPaymentSettle},
		{"role:cron", ObjectOrderPayment, ActionPaymentExpire},
		{"role:system", ObjectOrderPayment, ActionPaymentView},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
