package server

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/duka/internal/observability/logger"
	"github.com/smallbiznis/duka/internal/ratelimit"
	"go.uber.org/zap"
)

type stkRateLimitKey struct {
	OrderID string `json:"orderId"`
}

const contextResolvedOrderKey = "resolved_order_id"

// STKRateLimit applies the per-IP and per-order windows before any gateway
// call is made. The order is resolved first so every alias of one order
// (padded id, reference) shares a single window. Requests whose order cannot
// be resolved are left to the handler, which rejects them before the gateway.
func (s *Server) STKRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.paymentLimiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()

		raw, err := readSTKOrderID(c)
		if err != nil {
			logger.FromContext(ctx).Warn("stk rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if raw == "" {
			c.Next()
			return
		}
		orderID, err := s.resolveOrderID(ctx, raw)
		if err != nil {
			c.Next()
			return
		}
		c.Set(contextResolvedOrderKey, orderID)

		denial, err := s.paymentLimiter.AllowInitiation(ctx, c.ClientIP(), orderID)
		if err != nil {
			logger.FromContext(ctx).Warn("stk rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if denial != nil {
			denySTKRateLimit(c, denial)
			return
		}
		c.Next()
	}
}

func denySTKRateLimit(c *gin.Context, denial *ratelimit.Denial) {
	logger.FromContext(c.Request.Context()).Warn("stk rate limit exceeded",
		zap.String("scope", denial.Scope),
		zap.Duration("retry_after", denial.Result.RetryAfter),
	)

	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(denial.Result.RetryAfter)))
	c.Header("X-RateLimit-Limit", strconv.Itoa(denial.Result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(denial.Result.Remaining))
	c.Header("X-Rate-Limited-Reason", denial.Scope)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func readSTKOrderID(c *gin.Context) (string, error) {
	body, err := readBody(c)
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", nil
	}

	var payload stkRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		// the handler reports the malformed body
		return "", nil
	}
	return strings.TrimSpace(payload.OrderID), nil
}
