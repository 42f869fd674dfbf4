package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// STKCallbackEnvelope is the body Daraja posts to the STK callback URL.
type STKCallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseSTKCallback decodes and validates a raw callback body.
func ParseSTKCallback(raw []byte) (*STKCallback, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var env STKCallbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, ErrInvalidPayload
	}
	cb := env.Body.STKCallback
	cb.CheckoutRequestID = strings.TrimSpace(cb.CheckoutRequestID)
	if cb.CheckoutRequestID == "" {
		return nil, ErrInvalidEvent
	}
	return &cb, nil
}

func (c *STKCallback) Succeeded() bool {
	return c.ResultCode == 0
}

func (c *STKCallback) item(name string) json.RawMessage {
	if c.CallbackMetadata == nil {
		return nil
	}
	for _, it := range c.CallbackMetadata.Item {
		if strings.EqualFold(it.Name, name) {
			return it.Value
		}
	}
	return nil
}

// Amount is the whole-unit amount reported by the gateway, 0 when absent.
func (c *STKCallback) Amount() int64 {
	return parseAmount(rawString(c.item("Amount")))
}

func (c *STKCallback) Receipt() string {
	return rawString(c.item("MpesaReceiptNumber"))
}

func (c *STKCallback) PhoneNumber() string {
	return rawString(c.item("PhoneNumber"))
}

func (c *STKCallback) TransactionDate() string {
	return rawString(c.item("TransactionDate"))
}

// C2BPayment is the pay-bill validation and confirmation body.
type C2BPayment struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	InvoiceNumber     string `json:"InvoiceNumber"`
	OrgAccountBalance string `json:"OrgAccountBalance"`
	ThirdPartyTransID string `json:"ThirdPartyTransID"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	AccountReference  string `json:"AccountReference,omitempty"`
}

// ParseC2BPayment decodes a pay-bill body. TransID is only required for
// confirmations; validation requests may omit it.
func ParseC2BPayment(raw []byte, requireTransID bool) (*C2BPayment, error) {
	var p C2BPayment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidPayload
	}
	p.TransID = strings.TrimSpace(p.TransID)
	p.BillRefNumber = strings.TrimSpace(p.BillRefNumber)
	p.AccountReference = strings.TrimSpace(p.AccountReference)
	if requireTransID && p.TransID == "" {
		return nil, ErrInvalidEvent
	}
	if p.Amount() <= 0 {
		return nil, ErrInvalidAmount
	}
	return &p, nil
}

// Reference is the bill reference the customer typed, falling back to the
// account reference some integrations send instead.
func (p *C2BPayment) Reference() string {
	if p.BillRefNumber != "" {
		return p.BillRefNumber
	}
	return p.AccountReference
}

func (p *C2BPayment) Amount() int64 {
	return parseAmount(p.TransAmount)
}

func rawString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(v))
}

func parseAmount(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(math.Round(f))
}
