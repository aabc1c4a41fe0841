package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	accountrepo "github.com/smallbiznis/creditflow/internal/account/repository"
	accountservice "github.com/smallbiznis/creditflow/internal/account/service"
	"github.com/smallbiznis/creditflow/internal/clock"
	"github.com/smallbiznis/creditflow/internal/config"
	"github.com/smallbiznis/creditflow/internal/costpolicy"
	gatewayadapters "github.com/smallbiznis/creditflow/internal/gateway/adapters"
	gatewaydomain "github.com/smallbiznis/creditflow/internal/gateway/domain"
	gatewayservice "github.com/smallbiznis/creditflow/internal/gateway/service"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/creditflow/internal/ledger/service"
	purchaserepo "github.com/smallbiznis/creditflow/internal/purchase/repository"
	purchaseservice "github.com/smallbiznis/creditflow/internal/purchase/service"
	"github.com/smallbiznis/creditflow/internal/ratelimit"
	referralrepo "github.com/smallbiznis/creditflow/internal/referral/repository"
	referralservice "github.com/smallbiznis/creditflow/internal/referral/service"
	subscriptionrepo "github.com/smallbiznis/creditflow/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditflow/internal/subscription/service"
	"github.com/smallbiznis/creditflow/internal/testutil"
	webhookrepo "github.com/smallbiznis/creditflow/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/creditflow/internal/webhook/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "lemon-test-secret"
)

type operationFunc func(ctx context.Context, inv gatewaydomain.Invocation) (json.RawMessage, error)

func (f operationFunc) Invoke(ctx context.Context, inv gatewaydomain.Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

type testServer struct {
	srv *Server
	db  *gorm.DB
}

func newTestServer(t *testing.T, rateLimit config.RateLimitConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.SystemClock{}
	log := zap.NewNop()
	holder := config.NewStaticCreditPolicyHolder(config.DefaultCreditPolicy())
	cfg := config.Config{
		AuthJWTSecret: testJWTSecret,
		Webhook:       config.WebhookConfig{LemonSqueezySecret: testWebhookSecret},
		Gateway:       config.GatewayConfig{UpstreamTimeout: time.Second},
		RateLimit:     rateLimit,
	}
	accounts := accountrepo.Provide()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk, AccountRepo: accounts})
	accountSvc := accountservice.NewService(accountservice.Params{DB: db, Log: log, Clock: clk, Policy: holder, Repo: accounts, LedgerSvc: ledgerSvc})
	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Cfg: cfg, Policy: holder, Repo: subscriptionrepo.Provide(), LedgerSvc: ledgerSvc,
	})
	purchaseSvc := purchaseservice.NewService(purchaseservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Policy: holder, Repo: purchaserepo.Provide(), LedgerSvc: ledgerSvc,
	})
	referralSvc := referralservice.NewService(referralservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Policy: holder, Repo: referralrepo.Provide(), AccountRepo: accounts, LedgerSvc: ledgerSvc,
	})
	webhookSvc := webhookservice.NewService(webhookservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Cfg: cfg, Adapters: webhookservice.NewRegistry(), Repo: webhookrepo.Provide(),
		SubscriptionSvc: subscriptionSvc, PurchaseSvc: purchaseSvc,
	})

	operations := gatewayadapters.NewRegistry()
	operations.Register(ledgerdomain.ActionExplain, operationFunc(func(context.Context, gatewaydomain.Invocation) (json.RawMessage, error) {
		return json.RawMessage(`{"explanation":"because"}`), nil
	}))
	operations.Register(ledgerdomain.ActionTutorTurn, operationFunc(func(context.Context, gatewaydomain.Invocation) (json.RawMessage, error) {
		return nil, errors.New("tutor offline")
	}))
	policy := costpolicy.New(holder)
	gatewaySvc := gatewayservice.NewService(gatewayservice.Params{
		Log: log, Cfg: cfg, Policy: policy, LedgerSvc: ledgerSvc, Operations: operations,
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := NewServer(ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		AccountSvc:      accountSvc,
		LedgerSvc:       ledgerSvc,
		GatewaySvc:      gatewaySvc,
		SubscriptionSvc: subscriptionSvc,
		ReferralSvc:     referralSvc,
		WebhookSvc:      webhookSvc,
		CostPolicy:      policy,
		Limiter:         ratelimit.NewLimiter(cfg, nil, log),
	})
	return &testServer{srv: srv, db: db}
}

func token(t *testing.T, subject string, anonymous bool, expiresIn time.Duration) string {
	t.Helper()
	claims := identityClaims{
		Email:       subject + "@example.com",
		IsAnonymous: anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, "unexpected body %s", w.Body.String())
	return payload["type"].(string)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})

	w := ts.do(t, http.MethodGet, "/v1/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorType(t, w))

	w = ts.do(t, http.MethodGet, "/v1/profile", token(t, "user-1", false, -time.Minute), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("someone-else"))
	require.NoError(t, err)
	w = ts.do(t, http.MethodGet, "/v1/profile", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProfileProvisionsOnFirstRequest(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})

	w := ts.do(t, http.MethodGet, "/v1/profile", token(t, "user-1", false, time.Hour), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "user-1", body["id"])
	assert.Equal(t, "free", body["tier"])
	assert.Equal(t, float64(500), body["credits_balance"])
	assert.Nil(t, body["subscription"])

	w = ts.do(t, http.MethodGet, "/v1/profile", token(t, "anon-1", true, time.Hour), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "guest", body["tier"])
	assert.Equal(t, float64(0), body["credits_balance"])
}

func TestMeteredChargesAndReturnsResult(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})
	bearer := token(t, "user-1", false, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/metered", bearer, map[string]any{"action": "explain", "payload": map[string]string{"q": "why"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(3), body["credits_used"])
	assert.Equal(t, float64(497), body["credits_remaining"])
	assert.Equal(t, map[string]any{"explanation": "because"}, body["result"])
}

func TestMeteredInsufficientCreditsReturns402(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})

	w := ts.do(t, http.MethodPost, "/v1/metered", token(t, "anon-1", true, time.Hour), map[string]any{"action": "explain"})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, map[string]any{"error": "insufficient_credits", "balance": float64(0), "required": float64(3)}, decode(t, w))
}

func TestMeteredUpstreamFailureRefunds(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})
	bearer := token(t, "user-1", false, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/metered", bearer, map[string]any{"action": "tutor_turn"})
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream_error", errorType(t, w))
	assert.Equal(t, int64(500), testutil.Balance(t, ts.db, "user-1"))
}

func TestMeteredValidation(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})
	bearer := token(t, "user-1", false, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/metered", bearer, map[string]any{"action": "teleport"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorType(t, w))

	w = ts.do(t, http.MethodPost, "/v1/metered", bearer, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/metered", bearer, []byte(`{"action":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/credits/deduct", bearer, map[string]any{"action": "batch_translate_unit", "unit_count": int64(1) << 62})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorType(t, w))

	w = ts.do(t, http.MethodPost, "/v1/metered", bearer, map[string]any{"action": "lookup"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, int64(500), testutil.Balance(t, ts.db, "user-1"))
}

func TestMeteredRateLimit(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{MeteredRate: 0.001, MeteredBurst: 1})
	bearer := token(t, "user-1", false, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/metered", bearer, map[string]any{"action": "explain"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = ts.do(t, http.MethodPost, "/v1/metered", bearer, map[string]any{"action": "explain"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, int64(497), testutil.Balance(t, ts.db, "user-1"))
}

func TestDeductAndHistory(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})
	bearer := token(t, "user-1", false, time.Hour)

	w := ts.do(t, http.MethodPost, "/v1/credits/deduct", bearer, map[string]any{"action": "batch_translate_unit", "unit_count": 120, "metadata": map[string]any{"doc": "d1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(24), body["deducted"])
	assert.Equal(t, float64(476), body["new_balance"])

	w = ts.do(t, http.MethodGet, "/v1/credits/history?limit=1", bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "batch_translate_unit", entries[0].(map[string]any)["action"])

	w = ts.do(t, http.MethodGet, "/v1/credits/history?limit=0", bearer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/v1/credits/usage", bearer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(24), body["total_used"])
}

func TestReferralEndpoints(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})
	referrer := token(t, "referrer", false, time.Hour)
	newbie := token(t, "newbie", false, time.Hour)

	w := ts.do(t, http.MethodGet, "/v1/referrals/stats", referrer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	code := decode(t, w)["referral_code"].(string)

	w = ts.do(t, http.MethodPost, "/v1/referrals/apply", referrer, map[string]string{"referral_code": code})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/v1/referrals/apply", newbie, map[string]string{"referral_code": code})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(600), body["new_balance"])

	w = ts.do(t, http.MethodPost, "/v1/referrals/apply", newbie, map[string]string{"referral_code": code})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_referred", errorType(t, w))

	w = ts.do(t, http.MethodPost, "/v1/referrals/apply", newbie, map[string]string{"referral_code": "NOTACODE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/profile", token(t, "user-1", false, time.Hour), nil).Code)

	payload := []byte(`{"meta":{"event_name":"order_created","custom_data":{"user_id":"user-1","type":"credit_topup","credits_amount":"1000"}},"data":{"id":"order-1","attributes":{"total":499}}}`)
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(payload)
	signature := hex.EncodeToString(mac.Sum(nil))

	send := func(provider, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewReader(payload))
		req.Header.Set("X-Signature", sig)
		w := httptest.NewRecorder()
		ts.srv.Engine().ServeHTTP(w, req)
		return w
	}

	w := send("lemonsqueezy", "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", errorType(t, w))

	w = send("stripe", signature)
	assert.Equal(t, http.StatusNotFound, w.Code)

	for i := 0; i < 2; i++ {
		w = send("lemonsqueezy", signature)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.Equal(t, int64(1500), testutil.Balance(t, ts.db, "user-1"))
}

func TestCreditCostsIsPublic(t *testing.T) {
	ts := newTestServer(t, config.RateLimitConfig{})

	w := ts.do(t, http.MethodGet, "/v1/credits/costs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	costs := body["costs"].(map[string]any)
	assert.Equal(t, float64(3), costs["explain"])
	assert.Equal(t, float64(20), body["batch_rate"])
}

func TestMapErrorDefaultsToInternal(t *testing.T) {
	status, payload := mapError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", payload.Type)

	status, _ = mapError(&gatewaydomain.UpstreamError{Action: ledgerdomain.ActionExplain, Err: context.DeadlineExceeded})
	assert.Equal(t, http.StatusBadGateway, status)
}
