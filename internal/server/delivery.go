package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	deliverydomain "github.com/smallbiznis/duka/internal/delivery/domain"
)

type deliveryQuoteQuery struct {
	Lat       string `form:"lat"`
	Lng       string `form:"lng"`
	Subtotal  string `form:"subtotal"`
	Plan      string `form:"plan"`
	Scheduled string `form:"scheduled"`
}

type deliveryQuoteResponse struct {
	deliverydomain.Quote
	Violation string `json:"violation,omitempty"`
}

func (s *Server) GetDeliveryQuote(c *gin.Context) {
	var query deliveryQuoteQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	lat, errLat := strconv.ParseFloat(strings.TrimSpace(query.Lat), 64)
	lng, errLng := strconv.ParseFloat(strings.TrimSpace(query.Lng), 64)
	if errLat != nil || errLng != nil {
		AbortWithError(c, deliverydomain.ErrInvalidCoordinates)
		return
	}

	quote, err := s.deliverySvc.Quote(c.Request.Context(), lat, lng)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := deliveryQuoteResponse{Quote: quote}
	if subtotal := strings.TrimSpace(query.Subtotal); subtotal != "" {
		amount, err := strconv.ParseInt(subtotal, 10, 64)
		if err != nil || amount < 0 {
			AbortWithError(c, newValidationError("subtotal", "invalid_subtotal", "invalid subtotal"))
			return
		}
		scheduled, _ := strconv.ParseBool(strings.TrimSpace(query.Scheduled))
		if violation := s.deliverySvc.EnforceConstraints(quote, amount, strings.TrimSpace(query.Plan), scheduled); violation != nil {
			resp.Violation = violation.Error()
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListDeliveryZones(c *gin.Context) {
	zones, err := s.deliverySvc.Zones(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": zones})
}

func (s *Server) CreateDeliveryZone(c *gin.Context) {
	var req deliverydomain.CreateZoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	zone, err := s.deliverySvc.CreateZone(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": zone})
}
