package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/duka/internal/scheduler"
)

type reconcileQuery struct {
	BatchSize       string `form:"batchSize"`
	LookbackMinutes string `form:"lookbackMinutes"`
}

func (s *Server) RunReconcile(c *gin.Context) {
	var query reconcileQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	batch, err := parseOptionalInt(query.BatchSize)
	if err != nil {
		AbortWithError(c, newValidationError("batchSize", "invalid_batch_size", "invalid batchSize"))
		return
	}
	lookback, err := parseOptionalInt(query.LookbackMinutes)
	if err != nil {
		AbortWithError(c, newValidationError("lookbackMinutes", "invalid_lookback_minutes", "invalid lookbackMinutes"))
		return
	}

	opts := scheduler.ReconcileOptions{}
	if batch != nil {
		opts.BatchSize = scheduler.ClampBatchSize(*batch)
	}
	if lookback != nil {
		opts.LookbackMinutes = scheduler.ClampLookbackMinutes(*lookback)
	}

	sweep, err := s.sweeper.Reconcile(c.Request.Context(), opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sweep)
}

func (s *Server) RunExpire(c *gin.Context) {
	sweep, err := s.sweeper.Expire(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sweep)
}

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
