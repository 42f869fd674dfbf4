package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
)

type initiateSTKRequest struct {
	OrderID        string `json:"orderId"`
	Phone          string `json:"phone"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) InitiateSTKPush(c *gin.Context) {
	var req initiateSTKRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		AbortWithError(c, newValidationError("orderId", "required", "orderId is required"))
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		AbortWithError(c, newValidationError("phone", "required", "phone is required"))
		return
	}

	ctx := c.Request.Context()
	orderID, ok := c.Value(contextResolvedOrderKey).(snowflake.ID)
	if !ok {
		var err error
		orderID, err = s.resolveOrderID(ctx, req.OrderID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}
	c.Set("order_id", orderID.String())

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey == "" {
		idemKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	resp, err := s.paymentSvc.Initiate(ctx, paymentdomain.InitiateRequest{
		OrderID:        orderID,
		Phone:          req.Phone,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInitiationInFlight) {
			c.JSON(http.StatusAccepted, gin.H{"status": "in_progress"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetOrderPayment(c *gin.Context) {
	ctx := c.Request.Context()
	orderID, err := s.resolveOrderID(ctx, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("order_id", orderID.String())

	view, err := s.orderSvc.PaymentView(ctx, orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}

// resolveOrderID accepts either the numeric order id or the customer-facing
// reference printed on the receipt.
func (s *Server) resolveOrderID(ctx context.Context, raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, orderdomain.ErrInvalidOrderID
	}
	if id, err := snowflake.ParseString(raw); err == nil {
		if id <= 0 {
			return 0, orderdomain.ErrInvalidOrderID
		}
		return id, nil
	}

	order, err := s.orderSvc.GetByReference(ctx, raw)
	if err != nil {
		return 0, err
	}
	return order.ID, nil
}
