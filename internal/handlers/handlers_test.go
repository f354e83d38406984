package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/pixelmind/backend/internal/audit"
	"github.com/pixelmind/backend/internal/config"
	mW "github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/provider"
	"github.com/pixelmind/backend/internal/services"
	"github.com/pixelmind/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPaymentSecret  = "pay-secret"
	testCallbackSecret = "cb-secret"
	testAdminEmail     = "admin@pixelmind.test"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	store   *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithLimit(t, 100)
}

func newTestServerWithLimit(t *testing.T, submitsPerMinute int) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.NewMemory()
	auditLogger := audit.NewLoggerTo(io.Discard)
	ledger := services.NewLedgerService(auditLogger)
	tokens := services.NewTokenService(config.JWTConfig{SecretKey: "test-secret", ExpiryHours: 1})
	passwords := services.NewPasswordHasher(config.Argon2Config{Time: 1, Memory: 1024, Threads: 1})

	accounts := services.NewAccountService(st, ledger, tokens, passwords, rdb)
	credits := services.NewCreditService(st, ledger, services.NewJobCache(rdb, time.Minute))
	reconciler := services.NewReconciler(st, ledger, nil, auditLogger, services.RetryPolicy{Attempts: 1, Backoff: time.Millisecond})
	billing := services.NewBillingService(st, ledger, config.PaymentsConfig{KeyID: "key", KeySecret: testPaymentSecret})
	admin := services.NewAdminService(st, ledger)
	adminCfg := config.AdminConfig{Emails: []string{testAdminEmail}}

	handler := NewRouter(Routes{
		Auth:          NewAuthHandler(accounts),
		Accounts:      NewAccountHandler(accounts),
		QR:            NewQRHandler(services.NewQRService(accounts, "https://pixelmind.test")),
		Jobs:          NewJobHandler(credits, nil),
		Billing:       NewBillingHandler(billing),
		Providers:     NewProviderHandler(reconciler, testCallbackSecret),
		Uploads:       NewUploadHandler(nil),
		Admin:         NewAdminHandler(admin),
		Authenticator: mW.NewAuthenticator(tokens, rdb),
		SubmitLimiter: mW.NewRateLimiter(rdb, "submit", submitsPerMinute, time.Minute),
		IsAdmin:       adminCfg.IsAdmin,
		Health:        st,
	})
	return &testServer{t: t, handler: handler, store: st}
}

func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) signup(email string) (string, AccountView) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email":    email,
		"password": "password123",
		"fullName": "Test User",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SessionResponse
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token, resp.Account
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func upscaleBody() map[string]any {
	return map[string]any{"tool": "upscale", "params": map[string]any{"imageRef": "s3://bucket/in.png"}}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pixelmind_http_request_duration_milliseconds")
}

func TestAuth_SignupLoginLogout(t *testing.T) {
	s := newTestServer(t)
	token, acct := s.signup("Asha@Example.com")
	assert.Equal(t, "asha@example.com", acct.Email)
	assert.Equal(t, int64(10), acct.Balance)

	rec := s.do(http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email": "asha@example.com", "password": "password123", "fullName": "Again",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Email: "asha@example.com", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Email: "ASHA@example.com", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/accounts/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_RejectsBadBodies(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/v1/auth/signup", "", []byte(`{"email":"a@b.co","password":"password123","fullName":"Al","extra":1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/auth/signup", "", []byte(`{"email":"a@b.co","password":"password123","fullName":"Al"}{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/auth/signup", "", map[string]string{"email": "not-an-email", "password": "short", "fullName": "Al"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[services.ErrorResponse](t, rec)
	assert.Contains(t, resp.Details, "email")
	assert.Contains(t, resp.Details, "password")
}

func TestJobs_SubmitAndRead(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signup("owner@example.com")
	otherToken, _ := s.signup("other@example.com")

	rec := s.do(http.MethodPost, "/api/v1/jobs", token, upscaleBody())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decode[SubmitJobResponse](t, rec)
	assert.Equal(t, int64(2), submitted.Cost)
	assert.Equal(t, "processing", string(submitted.State))

	me := decode[AccountView](t, s.do(http.MethodGet, "/api/v1/accounts/me", token, nil))
	assert.Equal(t, int64(8), me.Balance)

	rec = s.do(http.MethodGet, "/api/v1/jobs/"+submitted.JobID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[map[string]any](t, rec)
	assert.Equal(t, submitted.JobID, job["id"])
	assert.Equal(t, "upscale", job["tool"])

	rec = s.do(http.MethodGet, "/api/v1/jobs/"+submitted.JobID, otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/jobs?limit=5", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Jobs []map[string]any `json:"jobs"`
	}](t, rec)
	assert.Len(t, list.Jobs, 1)

	ledger := decode[struct {
		Entries []map[string]any `json:"entries"`
	}](t, s.do(http.MethodGet, "/api/v1/accounts/me/ledger", token, nil))
	require.Len(t, ledger.Entries, 2)
	assert.Equal(t, "reserve", ledger.Entries[0]["kind"])
}

func TestJobs_SubmitErrors(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signup("owner@example.com")

	rec := s.do(http.MethodPost, "/api/v1/jobs", token, map[string]any{"tool": "teleport", "params": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/jobs", token, map[string]any{"tool": "upscale", "params": map[string]any{"scale": 2}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[services.ErrorResponse](t, rec)
	assert.Equal(t, "is required", resp.Details["imageRef"])

	rec = s.do(http.MethodPost, "/api/v1/jobs", token, map[string]any{"tool": "batch", "params": map[string]any{
		"imageRefs": []string{"a", "b"}, "operation": "upscale",
	}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// balance is now 5; another batch leaves 0, the next one is refused
	rec = s.do(http.MethodPost, "/api/v1/jobs", token, map[string]any{"tool": "batch-processing", "params": map[string]any{
		"imageRefs": []string{"a"}, "operation": "background-remove",
	}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/v1/jobs", token, upscaleBody())
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(2), body["required"])
	assert.Equal(t, float64(0), body["available"])
	assert.Equal(t, "upgrade", body["action"])
}

func TestJobs_SubmitRateLimited(t *testing.T) {
	s := newTestServerWithLimit(t, 3)
	token, _ := s.signup("busy@example.com")

	for i := 0; i < 3; i++ {
		rec := s.do(http.MethodPost, "/api/v1/jobs", token, map[string]any{"tool": "remove-background", "params": map[string]any{"imageRef": "x"}})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := s.do(http.MethodPost, "/api/v1/jobs", token, map[string]any{"tool": "remove-background", "params": map[string]any{"imageRef": "x"}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestProviderCallback(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signup("owner@example.com")
	submitted := decode[SubmitJobResponse](t, s.do(http.MethodPost, "/api/v1/jobs", token, upscaleBody()))

	failed, err := json.Marshal(provider.Callback{JobID: submitted.JobID, Status: "failed", Reason: "gpu oom"})
	require.NoError(t, err)

	rec := s.do(http.MethodPost, "/api/v1/providers/callback", "", failed, provider.SignatureHeader, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sig := provider.SignCallback(testCallbackSecret, failed)
	rec = s.do(http.MethodPost, "/api/v1/providers/callback", "", failed, provider.SignatureHeader, sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	me := decode[AccountView](t, s.do(http.MethodGet, "/api/v1/accounts/me", token, nil))
	assert.Equal(t, int64(10), me.Balance)

	// the same outcome again is a no-op
	rec = s.do(http.MethodPost, "/api/v1/providers/callback", "", failed, provider.SignatureHeader, sig)
	assert.Equal(t, http.StatusOK, rec.Code)

	succeeded, err := json.Marshal(provider.Callback{JobID: submitted.JobID, Status: "succeeded", OutputRef: "s3://bucket/out.png"})
	require.NoError(t, err)
	rec = s.do(http.MethodPost, "/api/v1/providers/callback", "", succeeded, provider.SignatureHeader, provider.SignCallback(testCallbackSecret, succeeded))
	assert.Equal(t, http.StatusConflict, rec.Code)

	me = decode[AccountView](t, s.do(http.MethodGet, "/api/v1/accounts/me", token, nil))
	assert.Equal(t, int64(10), me.Balance)
	assert.Zero(t, me.LifetimeUsed)
}

func TestBilling_OrderAndTopup(t *testing.T) {
	s := newTestServer(t)
	token, acct := s.signup("buyer@example.com")

	rec := s.do(http.MethodPost, "/api/v1/billing/orders", token, CreateOrderRequest{Plan: "pro"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[services.Order](t, rec)
	assert.Equal(t, int64(49900), order.Amount)
	assert.Equal(t, int64(1000), order.Credits)

	confirm := services.PaymentConfirmation{
		AccountID: acct.ID,
		OrderID:   order.OrderID,
		PaymentID: "pay_123",
		Signature: services.SignPayment(testPaymentSecret, order.OrderID, "pay_123"),
		Plan:      "pro",
	}

	swapped := confirm
	swapped.Plan = "studio"
	rec = s.do(http.MethodPost, "/api/v1/billing/topups", "", swapped)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	me := decode[AccountView](t, s.do(http.MethodGet, "/api/v1/accounts/me", token, nil))
	assert.Equal(t, int64(10), me.Balance)

	forged := confirm
	forged.OrderID = "order_never_opened"
	forged.Signature = services.SignPayment(testPaymentSecret, forged.OrderID, forged.PaymentID)
	rec = s.do(http.MethodPost, "/api/v1/billing/topups", "", forged)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/billing/topups", "", confirm)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[TopupResponse](t, rec)
	require.NotNil(t, resp.Account)
	assert.Equal(t, int64(1010), resp.Account.Balance)
	assert.True(t, resp.Account.SubscriptionActive)

	rec = s.do(http.MethodPost, "/api/v1/billing/topups", "", confirm)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[TopupResponse](t, rec).Duplicate)

	me = decode[AccountView](t, s.do(http.MethodGet, "/api/v1/accounts/me", token, nil))
	assert.Equal(t, int64(1010), me.Balance)

	confirm.PaymentID = "pay_456"
	rec = s.do(http.MethodPost, "/api/v1/billing/topups", "", confirm)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReferral(t *testing.T) {
	s := newTestServer(t)
	token, acct := s.signup("friend@example.com")

	rec := s.do(http.MethodGet, "/api/v1/accounts/me/referral", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ref := decode[services.Referral](t, rec)
	assert.Equal(t, acct.ReferralCode, ref.Code)
	assert.Contains(t, ref.Link, "ref="+acct.ReferralCode)
	assert.NotEmpty(t, ref.QRImage)
}

func TestUploads_NotConfigured(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signup("u@example.com")

	rec := s.do(http.MethodPost, "/api/v1/uploads", token, UploadRequest{ContentType: "image/png"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin(t *testing.T) {
	s := newTestServer(t)
	userToken, user := s.signup("user@example.com")
	adminToken, _ := s.signup(testAdminEmail)

	rec := s.do(http.MethodGet, "/api/v1/admin/stats", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/admin/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.Equal(t, float64(2), stats["totalAccounts"])

	rec = s.do(http.MethodPost, "/api/v1/admin/accounts/"+user.ID+"/adjust", adminToken, AdjustRequest{Amount: 5, Reason: "goodwill"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(15), decode[AccountView](t, rec).Balance)

	rec = s.do(http.MethodPost, "/api/v1/admin/accounts/"+user.ID+"/adjust", adminToken, AdjustRequest{Amount: -100, Reason: "oops"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodPost, "/api/v1/admin/accounts/missing/adjust", adminToken, AdjustRequest{Amount: 1, Reason: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/admin/accounts", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := decode[struct {
		Accounts []AccountView `json:"accounts"`
	}](t, rec)
	assert.Len(t, accounts.Accounts, 2)
}
