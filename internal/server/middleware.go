package server

import (
	"bytes"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/duka/internal/observability/logger"
	"github.com/smallbiznis/duka/internal/payment/webhookauth"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

// CronAuthRequired guards the sweep triggers with the shared cron secret.
func (s *Server) CronAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := webhookauth.VerifyCronSecret(s.cfg.Cron.Secret, s.cfg.IsProduction(), c.Request.Header, c.Request.URL.Query())
		if !res.Authorized {
			logger.FromContext(c.Request.Context()).Warn("cron trigger rejected",
				zap.String("reason", res.Reason),
				zap.String("route", c.FullPath()),
			)
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// readBody drains the request body and puts it back for later binders.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	return body, nil
}
