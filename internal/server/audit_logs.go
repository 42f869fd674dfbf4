package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultAuditPageSize = 50
	auditTargetOrder     = "order"
)

// ListOrderAuditLogs returns the audit trail of one order, newest first.
func (s *Server) ListOrderAuditLogs(c *gin.Context) {
	ctx := c.Request.Context()
	orderID, err := s.resolveOrderID(ctx, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit := defaultAuditPageSize
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		limit = min(parsed, 500)
	}

	logs, err := s.auditSvc.ListByTarget(ctx, auditTargetOrder, orderID.String(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}
