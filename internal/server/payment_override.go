package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
)

type paymentOverrideRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// OverrideOrderPayment is the audited manual correction used when a receipt
// arrives for an order the sweeps already closed.
func (s *Server) OverrideOrderPayment(c *gin.Context) {
	actor, ok := operatorActor(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req paymentOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	target := orderdomain.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !target.Valid() {
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	ctx := c.Request.Context()
	orderID, err := s.resolveOrderID(ctx, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("order_id", orderID.String())

	result, err := s.orderSvc.Override(ctx, actor, orderID, target, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
