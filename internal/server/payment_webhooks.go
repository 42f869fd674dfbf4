package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/duka/internal/observability/logger"
	"github.com/smallbiznis/duka/internal/payment/webhook"
	"go.uber.org/zap"
)

func (s *Server) HandleSTKCallback(c *gin.Context) {
	s.ingestWebhook(c, webhook.KindSTKCallback)
}

func (s *Server) HandleC2BValidation(c *gin.Context) {
	s.ingestWebhook(c, webhook.KindC2BValidation)
}

func (s *Server) HandleC2BConfirmation(c *gin.Context) {
	s.ingestWebhook(c, webhook.KindC2BConfirmation)
}

// ingestWebhook always answers with a Daraja ack body, even for rejected or
// unreadable requests.
func (s *Server) ingestWebhook(c *gin.Context, kind webhook.Kind) {
	payload, err := readBody(c)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("webhook body unreadable",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		c.JSON(http.StatusBadRequest, webhook.Ack{ResultCode: 1, ResultDesc: "Invalid request"})
		return
	}

	ack, err := s.webhookSvc.Ingest(c.Request.Context(), kind, payload, c.Request.Header, c.Request.URL.Query())
	if errors.Is(err, webhook.ErrUnauthorized) {
		c.JSON(http.StatusUnauthorized, ack)
		return
	}
	c.JSON(http.StatusOK, ack)
}
