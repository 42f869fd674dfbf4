package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/duka/internal/audit/domain"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/config"
	deliverydomain "github.com/smallbiznis/duka/internal/delivery/domain"
	"github.com/smallbiznis/duka/internal/observability"
	operatordomain "github.com/smallbiznis/duka/internal/operator/domain"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
	"github.com/smallbiznis/duka/internal/payment/webhook"
	"github.com/smallbiznis/duka/internal/payment/webhookauth"
	"github.com/smallbiznis/duka/internal/phone"
	"github.com/smallbiznis/duka/internal/ratelimit"
	"github.com/smallbiznis/duka/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePayments struct {
	paymentdomain.Service

	initiateReq paymentdomain.InitiateRequest
	initiateErr error
	stkPayloads [][]byte
	validateErr error
	c2bPayloads [][]byte
}

func (f *fakePayments) Initiate(_ context.Context, req paymentdomain.InitiateRequest) (*paymentdomain.InitiateResponse, error) {
	f.initiateReq = req
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &paymentdomain.InitiateResponse{
		CheckoutRequestID: "ws_CO_1",
		MerchantRequestID: "mr-1",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (f *fakePayments) HandleSTKCallback(_ context.Context, raw []byte) (paymentdomain.SettleResult, error) {
	f.stkPayloads = append(f.stkPayloads, raw)
	return paymentdomain.SettleResult{Outcome: paymentdomain.SettleSettled}, nil
}

func (f *fakePayments) ValidateC2B(context.Context, []byte) error {
	return f.validateErr
}

func (f *fakePayments) HandleC2BConfirmation(_ context.Context, raw []byte) (paymentdomain.C2BResult, error) {
	f.c2bPayloads = append(f.c2bPayloads, raw)
	return paymentdomain.C2BResult{Recorded: true}, nil
}

type fakeOrders struct {
	orderdomain.Service

	byRef       map[string]snowflake.ID
	overrideBy  string
	overrideTo  orderdomain.PaymentStatus
	overrideErr error
}

func (f *fakeOrders) GetByReference(_ context.Context, ref string) (*orderdomain.Order, error) {
	id, ok := f.byRef[ref]
	if !ok {
		return nil, orderdomain.ErrOrderNotFound
	}
	return &orderdomain.Order{ID: id, Reference: ref}, nil
}

func (f *fakeOrders) PaymentView(_ context.Context, id snowflake.ID) (*orderdomain.PaymentView, error) {
	return &orderdomain.PaymentView{OrderID: id.String(), Status: orderdomain.StatusDepositPaid, AmountPaid: 1500, AmountDue: 1500}, nil
}

func (f *fakeOrders) Override(_ context.Context, actor string, id snowflake.ID, target orderdomain.PaymentStatus, reason string) (orderdomain.TransitionResult, error) {
	f.overrideBy = actor
	f.overrideTo = target
	if f.overrideErr != nil {
		return orderdomain.TransitionResult{}, f.overrideErr
	}
	return orderdomain.TransitionResult{Applied: true, From: orderdomain.StatusFailed, To: target}, nil
}

type fakeOperators struct {
	operatordomain.Service
}

func (fakeOperators) Authenticate(_ context.Context, name, password string) (*operatordomain.Operator, error) {
	if name == "alice" && password == "correct-horse-battery" {
		return &operatordomain.Operator{ID: 1, Name: name, Role: "admin"}, nil
	}
	return nil, operatordomain.ErrInvalidCredentials
}

type fakeAuthz struct {
	deny bool
}

func (f fakeAuthz) Authorize(context.Context, string, string, string) error {
	if f.deny {
		return authorization.ErrForbidden
	}
	return nil
}

type fakeAudit struct {
	auditdomain.Service
	targetType string
}

func (f *fakeAudit) ListByTarget(_ context.Context, targetType, targetID string, limit int) ([]auditdomain.AuditLog, error) {
	f.targetType = targetType
	return []auditdomain.AuditLog{}, nil
}

type fakeDelivery struct {
	deliverydomain.Service
}

func (fakeDelivery) Quote(_ context.Context, lat, lng float64) (deliverydomain.Quote, error) {
	if lat > 0 {
		return deliverydomain.Quote{}, deliverydomain.ErrOutOfRange
	}
	return deliverydomain.Quote{DistanceKm: 32, Fee: 1000, TierMaxKm: 40, RequiresMinOrder: true, MinOrderAmount: 3000}, nil
}

func (fakeDelivery) EnforceConstraints(q deliverydomain.Quote, subtotal int64, _ string, _ bool) error {
	if q.RequiresMinOrder && subtotal < q.MinOrderAmount {
		return deliverydomain.ErrMinOrderNotMet
	}
	return nil
}

type fakeSweeper struct {
	opts scheduler.ReconcileOptions
}

func (f *fakeSweeper) Reconcile(_ context.Context, opts scheduler.ReconcileOptions) (scheduler.Sweep[scheduler.ReconcileResult], error) {
	f.opts = opts
	return scheduler.Sweep[scheduler.ReconcileResult]{OK: true, Result: &scheduler.ReconcileResult{Checked: 2, Settled: 1}}, nil
}

func (f *fakeSweeper) Expire(context.Context) (scheduler.Sweep[scheduler.ExpireResult], error) {
	return scheduler.Sweep[scheduler.ExpireResult]{OK: true, Result: &scheduler.ExpireResult{Count: 3}}, nil
}

type testServer struct {
	srv      *Server
	payments *fakePayments
	orders   *fakeOrders
	audit    *fakeAudit
	sweeper  *fakeSweeper
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config, authz *fakeAuthz)) *testServer {
	t.Helper()

	cfg := config.Config{
		Environment: "test",
		Webhook:     config.WebhookConfig{SharedSecret: "hook-secret"},
		Cron:        config.CronConfig{Secret: "cron-secret"},
		RateLimit: config.RateLimitConfig{
			IPLimit:     2,
			IPWindow:    time.Minute,
			OrderLimit:  10,
			OrderWindow: time.Minute,
		},
	}
	authz := &fakeAuthz{}
	if mutate != nil {
		mutate(&cfg, authz)
	}

	payments := &fakePayments{}
	orders := &fakeOrders{byRef: map[string]snowflake.ID{"DK-5": 5}}
	audit := &fakeAudit{}
	sweeper := &fakeSweeper{}

	srv := NewServer(ServerParams{
		Gin:         NewEngine(observability.Config{}, nil),
		Cfg:         cfg,
		OrderSvc:    orders,
		PaymentSvc:  payments,
		WebhookSvc:  webhook.NewService(webhook.Params{Log: zap.NewNop(), PaymentSvc: payments, Cfg: cfg}),
		DeliverySvc: fakeDelivery{},
		Operators:   fakeOperators{},
		AuthzSvc:    authz,
		AuditSvc:    audit,
		PaymentLimiter: ratelimit.NewPaymentLimiter(
			ratelimit.NewMemoryLimiter(time.Now, 100), cfg.RateLimit, nil,
		),
		Sweeper: sweeper,
	})
	return &testServer{srv: srv, payments: payments, orders: orders, audit: audit, sweeper: sweeper}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestInitiateSTKPush(t *testing.T) {
	ts := newTestServer(t, nil)

	req := jsonRequest(http.MethodPost, "/api/payments/stk", map[string]string{"orderId": "42", "phone": "0712345678"})
	req.Header.Set("Idempotency-Key", "k-1")
	rec := ts.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp paymentdomain.InitiateResponse
	decode(t, rec, &resp)
	assert.Equal(t, "ws_CO_1", resp.CheckoutRequestID)
	assert.Equal(t, snowflake.ID(42), ts.payments.initiateReq.OrderID)
	assert.Equal(t, "k-1", ts.payments.initiateReq.IdempotencyKey)

	rec = ts.do(t, jsonRequest(http.MethodPost, "/api/payments/stk", map[string]string{"orderId": "DK-5", "phone": "0712345678"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snowflake.ID(5), ts.payments.initiateReq.OrderID)
}

func TestInitiateSTKPushErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   map[string]string
		err    error
		status int
		field  string
	}{
		{name: "missing phone", body: map[string]string{"orderId": "42"}, status: http.StatusBadRequest, field: "phone"},
		{name: "unknown reference", body: map[string]string{"orderId": "NOPE", "phone": "0712345678"}, status: http.StatusNotFound},
		{name: "invalid phone", body: map[string]string{"orderId": "42", "phone": "07"}, err: phone.ErrInvalidPhone, status: http.StatusBadRequest, field: "phone"},
		{name: "already paid", body: map[string]string{"orderId": "42", "phone": "0712345678"}, err: paymentdomain.ErrOrderAlreadyPaid, status: http.StatusBadRequest, field: "orderId"},
		{name: "gateway", body: map[string]string{"orderId": "42", "phone": "0712345678"}, err: &paymentdomain.InitiationError{}, status: http.StatusBadGateway},
		{name: "internal", body: map[string]string{"orderId": "42", "phone": "0712345678"}, err: assert.AnError, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.payments.initiateErr = tt.err

			rec := ts.do(t, jsonRequest(http.MethodPost, "/api/payments/stk", tt.body))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp errorResponse
			decode(t, rec, &resp)
			if tt.field != "" {
				require.NotEmpty(t, resp.Error.Errors)
				assert.Equal(t, tt.field, resp.Error.Errors[0].Field)
			}
		})
	}
}

func TestInitiateSTKPushInFlight(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.payments.initiateErr = paymentdomain.ErrInitiationInFlight

	rec := ts.do(t, jsonRequest(http.MethodPost, "/api/payments/stk", map[string]string{"orderId": "42", "phone": "0712345678", "idempotencyKey": "k"}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"in_progress"}`, rec.Body.String())
}

func TestInitiateSTKPushRateLimited(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		rec := ts.do(t, jsonRequest(http.MethodPost, "/api/payments/stk", map[string]string{"orderId": "42", "phone": "0712345678"}))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, jsonRequest(http.MethodPost, "/api/payments/stk", map[string]string{"orderId": "43", "phone": "0712345678"}))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "ip", rec.Header().Get("X-Rate-Limited-Reason"))
	assert.Equal(t, snowflake.ID(42), ts.payments.initiateReq.OrderID)
}

func TestInitiateSTKPushOrderWindowCoversAliases(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, _ *fakeAuthz) {
		cfg.RateLimit.IPLimit = 100
		cfg.RateLimit.OrderLimit = 2
	})

	for _, alias := range []string{"5", "0005"} {
		rec := ts.do(t, jsonRequest(http.MethodPost, "/api/payments/stk", map[string]string{"orderId": alias, "phone": "0712345678"}))
		require.Equal(t, http.StatusOK, rec.Code, alias)
		assert.Equal(t, snowflake.ID(5), ts.payments.initiateReq.OrderID)
	}

	for _, alias := range []string{"DK-5", "005", "5"} {
		rec := ts.do(t, jsonRequest(http.MethodPost, "/api/payments/stk", map[string]string{"orderId": alias, "phone": "0712345678"}))
		require.Equal(t, http.StatusTooManyRequests, rec.Code, alias)
		assert.Equal(t, "order", rec.Header().Get("X-Rate-Limited-Reason"))
	}

	rec := ts.do(t, jsonRequest(http.MethodPost, "/api/payments/stk", map[string]string{"orderId": "42", "phone": "0712345678"}))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetOrderPayment(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/orders/DK-5/payment", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data orderdomain.PaymentView `json:"data"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "5", resp.Data.OrderID)
	assert.Equal(t, int64(1500), resp.Data.AmountDue)
}

func TestSTKCallbackRequiresSecret(t *testing.T) {
	ts := newTestServer(t, nil)
	body := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/payments/callbacks/stk", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"ResultCode":1,"ResultDesc":"Unauthorized"}`, rec.Body.String())
	assert.Empty(t, ts.payments.stkPayloads)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/callbacks/stk", bytes.NewReader(body))
	req.Header.Set(webhookauth.HeaderSecret, "hook-secret")
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
	require.Len(t, ts.payments.stkPayloads, 1)
	assert.Equal(t, body, ts.payments.stkPayloads[0])
}

func TestC2BRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	body := []byte(`{"TransID":"RKT1","TransAmount":"800","BillRefNumber":"DK-5","MSISDN":"254712345678"}`)

	ts.payments.validateErr = paymentdomain.ErrUnknownReference
	req := httptest.NewRequest(http.MethodPost, "/api/payments/c2b/validation?secret=hook-secret", bytes.NewReader(body))
	rec := ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ResultCode":1,"ResultDesc":"Rejected"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/payments/c2b/confirmation?secret=hook-secret", bytes.NewReader(body))
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
	assert.Len(t, ts.payments.c2bPayloads, 1)
}

func TestCronRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/cron/reconcile", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/cron/reconcile?batchSize=9999&lookbackMinutes=0", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true,"deduped":false,"result":{"checked":2,"settled":1,"failed":0,"still_pending":0,"matched_c2b":0,"errors":0}}`, rec.Body.String())
	assert.Equal(t, scheduler.ReconcileOptions{BatchSize: 500, LookbackMinutes: 1}, ts.sweeper.opts)

	req = httptest.NewRequest(http.MethodGet, "/api/cron/reconcile?batchSize=lots", nil)
	req.Header.Set(webhookauth.HeaderCronSecret, "cron-secret")
	rec = ts.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/cron/expire", nil)
	req.Header.Set(webhookauth.HeaderCronSecret, "cron-secret")
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"deduped":false,"result":{"count":3}}`, rec.Body.String())
}

func TestCronRoutesFailClosedInProduction(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config, _ *fakeAuthz) {
		cfg.Environment = "production"
		cfg.Cron.Secret = ""
	})

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/cron/expire", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPaymentOverride(t *testing.T) {
	ts := newTestServer(t, nil)
	body := map[string]string{"status": "paid", "reason": "customer showed M-Pesa SMS"}

	rec := ts.do(t, jsonRequest(http.MethodPost, "/admin/orders/42/payment-override", body))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := jsonRequest(http.MethodPost, "/admin/orders/42/payment-override", body)
	req.SetBasicAuth("alice", "wrong")
	rec = ts.do(t, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = jsonRequest(http.MethodPost, "/admin/orders/42/payment-override", body)
	req.SetBasicAuth("alice", "correct-horse-battery")
	rec = ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "operator:alice", ts.orders.overrideBy)
	assert.Equal(t, orderdomain.StatusPaid, ts.orders.overrideTo)

	req = jsonRequest(http.MethodPost, "/admin/orders/42/payment-override", map[string]string{"status": "refunded", "reason": "x"})
	req.SetBasicAuth("alice", "correct-horse-battery")
	rec = ts.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ts.orders.overrideErr = authorization.ErrForbidden
	req = jsonRequest(http.MethodPost, "/admin/orders/42/payment-override", body)
	req.SetBasicAuth("alice", "correct-horse-battery")
	rec = ts.do(t, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOrderAuditLogsRequirePermission(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/orders/42/audit-logs", nil)
	req.SetBasicAuth("alice", "correct-horse-battery")
	rec := ts.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "order", ts.audit.targetType)

	denied := newTestServer(t, func(_ *config.Config, authz *fakeAuthz) { authz.deny = true })
	req = httptest.NewRequest(http.MethodGet, "/admin/orders/42/audit-logs", nil)
	req.SetBasicAuth("alice", "correct-horse-battery")
	rec = denied.do(t, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeliveryQuote(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/delivery/quote?lat=abc&lng=36.8", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/delivery/quote?lat=1.5&lng=36.8", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp errorResponse
	decode(t, rec, &errResp)
	assert.Equal(t, deliverydomain.ErrOutOfRange.Error(), errResp.Error.Errors[0].Code)

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/delivery/quote?lat=-1.5&lng=36.8&subtotal=2000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data deliveryQuoteResponse `json:"data"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, int64(1000), resp.Data.Fee)
	assert.True(t, resp.Data.RequiresMinOrder)
	assert.Equal(t, deliverydomain.ErrMinOrderNotMet.Error(), resp.Data.Violation)
}

func TestUnknownRouteAndHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
