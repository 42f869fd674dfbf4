package mpesa

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// Daraja answers an STK query with this code while the customer has not acted yet.
const processingErrorCode = "500.001.1001"

type STKPushRequest struct {
	PhoneNumber      string
	Amount           int64
	AccountReference string
	TransactionDesc  string
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPush prompts the customer's handset. PhoneNumber must already be in
// 2547XXXXXXXX form.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	password, timestamp := c.password(c.now())
	payload := stkPushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            req.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.AccountReference, 12),
		TransactionDesc:   truncate(req.TransactionDesc, 13),
	}

	var resp STKPushResponse
	if err := c.post(ctx, stkPushPath, payload, &resp); err != nil {
		c.log.Warn("stk push failed", zap.String("account_reference", req.AccountReference), zap.Error(err))
		return nil, err
	}
	if strings.TrimSpace(resp.ResponseCode) != "0" || resp.CheckoutRequestID == "" {
		return nil, &APIError{StatusCode: 400, ErrorCode: resp.ResponseCode, ErrorMessage: resp.ResponseDescription}
	}
	return &resp, nil
}

type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`

	// Pending is set when the customer has not answered the prompt yet.
	Pending bool `json:"-"`
}

type stkQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	password, timestamp := c.password(c.now())
	payload := stkQueryPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp STKQueryResponse
	if err := c.post(ctx, stkQueryPath, payload, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == processingErrorCode {
			return &STKQueryResponse{CheckoutRequestID: checkoutRequestID, Pending: true}, nil
		}
		return nil, err
	}
	return &resp, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
