package mpesa

import (
	"context"

	"go.uber.org/zap"
)

type registerURLPayload struct {
	ShortCode       string `json:"ShortCode"`
	ResponseType    string `json:"ResponseType"`
	ConfirmationURL string `json:"ConfirmationURL"`
	ValidationURL   string `json:"ValidationURL"`
}

type RegisterURLResponse struct {
	OriginatorCoversationID string `json:"OriginatorCoversationID"`
	ResponseCode            string `json:"ResponseCode"`
	ResponseDescription     string `json:"ResponseDescription"`
}

// RegisterC2BURLs points pay-bill validation and confirmation at this service.
// Unanswered validations are completed by Daraja.
func (c *Client) RegisterC2BURLs(ctx context.Context) (*RegisterURLResponse, error) {
	payload := registerURLPayload{
		ShortCode:       c.cfg.ShortCode,
		ResponseType:    "Completed",
		ConfirmationURL: c.cfg.ConfirmationURL,
		ValidationURL:   c.cfg.ValidationURL,
	}
	var resp RegisterURLResponse
	if err := c.post(ctx, registerURLPath, payload, &resp); err != nil {
		return nil, err
	}
	c.log.Info("c2b urls registered",
		zap.String("short_code", c.cfg.ShortCode),
		zap.String("response", resp.ResponseDescription),
	)
	return &resp, nil
}
