// Package mpesa talks to the Daraja API: OAuth, STK push and query, and C2B
// URL registration.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	tokenPath       = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath     = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath    = "/mpesa/stkpushquery/v1/query"
	registerURLPath = "/mpesa/c2b/v1/registerurl"

	// Refresh a little before Daraja expires the token.
	tokenSkew = 60 * time.Second
)

var (
	ErrNotConfigured = errors.New("mpesa_not_configured")
	ErrUnauthorized  = errors.New("mpesa_unauthorized")
	ErrRejected      = errors.New("mpesa_request_rejected")
	ErrUnavailable   = errors.New("mpesa_unavailable")
)

// APIError is the error body Daraja returns on non-2xx responses.
type APIError struct {
	StatusCode   int    `json:"-"`
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa api error status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.ErrorMessage)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode >= http.StatusInternalServerError {
		return ErrUnavailable
	}
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return ErrRejected
}

type Client struct {
	cfg  config.MpesaConfig
	http *http.Client
	log  *zap.Logger
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	timeout := cfg.Mpesa.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg.Mpesa,
		http: tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		log:  log.Named("mpesa.client"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// NewClientWith is used by tests to point the client at a fake server.
func NewClientWith(cfg config.MpesaConfig, httpClient *http.Client, log *zap.Logger, now func() time.Time) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, log: log, now: now}
}

func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.ConsumerKey != "" && c.cfg.ConsumerSecret != "" && c.cfg.ShortCode != ""
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, tracing.SafeError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", ErrUnauthorized
	}

	ttl := 3599 * time.Second
	if secs, err := strconv.Atoi(strings.TrimSpace(body.ExpiresIn)); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > tokenSkew {
		ttl -= tokenSkew
	}
	c.token = body.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	return c.token, nil
}

// invalidateToken drops a token Daraja refused before its advertised expiry.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, tracing.SafeError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, apiErr)
	}
	if apiErr.ErrorMessage == "" {
		apiErr.ErrorMessage = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

var eat = time.FixedZone("EAT", 3*60*60)

// password derives the STK password from the shortcode, passkey and a
// Nairobi-local timestamp.
func (c *Client) password(at time.Time) (password, timestamp string) {
	timestamp = at.In(eat).Format("20060102150405")
	raw := c.cfg.ShortCode + c.cfg.PassKey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}
