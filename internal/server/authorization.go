package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	auditcontext "github.com/smallbiznis/duka/internal/auditcontext"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	contextOperatorKey = "operator_name"
	adminRealm         = `Basic realm="duka-admin"`
)

// OperatorAuthRequired authenticates back-office operators with HTTP Basic
// credentials checked against the argon2id hashes in admin_operators.
func (s *Server) OperatorAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		name, password, ok := c.Request.BasicAuth()
		name = strings.TrimSpace(name)
		if !ok || name == "" || password == "" {
			c.Header("WWW-Authenticate", adminRealm)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		op, err := s.operators.Authenticate(c.Request.Context(), name, password)
		if err != nil {
			logger.FromContext(c.Request.Context()).Info("admin authentication failed", zap.Error(err))
			c.Header("WWW-Authenticate", adminRealm)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := auditcontext.WithActor(c.Request.Context(), "operator", op.Name)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextOperatorKey, op.Name)
		c.Next()
	}
}

func (s *Server) authorizeOperatorAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := operatorActor(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func operatorActor(c *gin.Context) (string, bool) {
	name := strings.TrimSpace(c.GetString(contextOperatorKey))
	if name == "" {
		return "", false
	}
	return authorization.OperatorActor(name), true
}
