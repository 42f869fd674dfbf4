package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/duka/internal/authorization"
	deliverydomain "github.com/smallbiznis/duka/internal/delivery/domain"
	idemdomain "github.com/smallbiznis/duka/internal/idempotency/domain"
	operatordomain "github.com/smallbiznis/duka/internal/operator/domain"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
	"github.com/smallbiznis/duka/internal/phone"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: validationErrorMessage(code),
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, operatordomain.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, orderdomain.ErrOverrideConflict),
		errors.Is(err, deliverydomain.ErrZoneExists):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrGatewayFailure):
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_error",
			Message: "payment gateway unavailable, try again",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger; it never sees the response.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, strings.TrimSpace(err.Error())
	}
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	phone.ErrInvalidPhone,
	orderdomain.ErrInvalidOrderID,
	orderdomain.ErrInvalidTarget,
	orderdomain.ErrOverrideReason,
	paymentdomain.ErrPhoneMismatch,
	paymentdomain.ErrOrderAlreadyPaid,
	paymentdomain.ErrOrderClosed,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidPayload,
	idemdomain.ErrInvalidKey,
	deliverydomain.ErrOutOfRange,
	deliverydomain.ErrInvalidCoordinates,
	deliverydomain.ErrInvalidZone,
}

func isValidationError(err error) bool {
	return validationErrorCode(err) != ""
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, orderdomain.ErrOrderNotFound),
		errors.Is(err, deliverydomain.ErrZoneNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case phone.ErrInvalidPhone.Error(), paymentdomain.ErrPhoneMismatch.Error():
		return "phone"
	case orderdomain.ErrInvalidOrderID.Error(),
		paymentdomain.ErrOrderAlreadyPaid.Error(),
		paymentdomain.ErrOrderClosed.Error():
		return "orderId"
	case deliverydomain.ErrOutOfRange.Error(), deliverydomain.ErrInvalidCoordinates.Error():
		return "location"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case phone.ErrInvalidPhone.Error():
		return "enter a valid Safaricom number, e.g. 0712 345 678"
	case paymentdomain.ErrPhoneMismatch.Error():
		return "phone number does not match the order"
	case paymentdomain.ErrOrderAlreadyPaid.Error():
		return "order is already paid"
	case paymentdomain.ErrOrderClosed.Error():
		return "order can no longer be paid, place a new order"
	case orderdomain.ErrOverrideReason.Error():
		return "a reason is required"
	case deliverydomain.ErrOutOfRange.Error():
		return "we do not deliver to this location yet"
	default:
		return "invalid value"
	}
}
