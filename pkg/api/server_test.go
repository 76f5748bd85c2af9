package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shreed27/AgentHub-sub013/pkg/apikey"
	"github.com/shreed27/AgentHub-sub013/pkg/circuit"
	"github.com/shreed27/AgentHub-sub013/pkg/config"
	"github.com/shreed27/AgentHub-sub013/pkg/gateway"
	"github.com/shreed27/AgentHub-sub013/pkg/ledger"
	"github.com/shreed27/AgentHub-sub013/pkg/pricing"
	"github.com/shreed27/AgentHub-sub013/pkg/ratelimit"
	"github.com/shreed27/AgentHub-sub013/pkg/retry"
	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

const testWallet = "0xabc"

type testEnv struct {
	server *Server
	store  *store.MemoryStore
	ledger *ledger.Ledger
	keys   *apikey.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.NewMemoryStore()
	l := ledger.New(s)
	table := pricing.DefaultTable()

	gw := gateway.New(gateway.Config{
		JobTimeout:             5 * time.Second,
		Retry:                  retry.Config{MaxRetries: 0, InitialDelay: time.Millisecond, BackoffMultiplier: 2},
		MaxConcurrentPerWallet: 10,
	}, s, l, circuit.NewRegistry(5, time.Minute), nil, table)

	require.NoError(t, gw.RegisterHandler("search", gateway.HandlerFunc(
		func(ctx context.Context, req *gateway.ComputeRequest) (*gateway.HandlerResult, error) {
			return &gateway.HandlerResult{Output: "results"}, nil
		})))

	keys := apikey.NewManager(s)
	limiter := ratelimit.NewStoreLimiter(s, ratelimit.Config{PerWallet: 100, PerIP: 100, Window: time.Minute})

	cfg := &config.Config{
		Port:        "0",
		Environment: "test",
		CORSOrigins: []string{"*"},
		JWTSecret:   "test-secret",
	}

	return &testEnv{
		server: NewServer(cfg, gw, keys, limiter, l, s),
		store:  s,
		ledger: l,
		keys:   keys,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestSubmitRequiresWallet(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"service": "search",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "wallet is required")
}

func TestSubmitAccepted(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.ledger.Deposit(context.Background(), testWallet, 10)
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"wallet":  testWallet,
		"service": "search",
		"payload": map[string]interface{}{"query": "golang"},
	}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp gateway.ComputeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, store.StatusPending, resp.Status)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, 0.002, resp.Cost)
}

func TestSubmitRejectedReturns422(t *testing.T) {
	e := newTestEnv(t)

	// Empty wallet balance.
	w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"wallet":  testWallet,
		"service": "search",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient balance")
}

func TestAuthInvalidKey(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/v1/balance", nil, map[string]string{
		"X-API-Key": "ahk_bogus",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthResolvesWalletFromKey(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	key, err := e.keys.Create(ctx, testWallet, "test")
	require.NoError(t, err)
	_, err = e.ledger.Deposit(ctx, testWallet, 7)
	require.NoError(t, err)

	// No wallet query param needed; the key implies it.
	w := e.do(t, http.MethodGet, "/api/v1/balance", nil, map[string]string{
		"X-API-Key": key.Key,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var balance store.WalletBalance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, 7.0, balance.Available)

	// Bearer form works too.
	w = e.do(t, http.MethodGet, "/api/v1/balance", nil, map[string]string{
		"Authorization": "Bearer " + key.Key,
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthWalletMismatchRejected(t *testing.T) {
	e := newTestEnv(t)

	key, err := e.keys.Create(context.Background(), testWallet, "test")
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/v1/balance?wallet=0xother", nil, map[string]string{
		"X-API-Key": key.Key,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "does not match")
}

func TestGetJobNotFound(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/jobs/missing?wallet="+testWallet, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobHidesOtherWallets(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.CreateJob(ctx, &store.Job{
		JobID: "j1", Wallet: testWallet, Service: "search", Status: store.StatusCompleted,
	}))

	w := e.do(t, http.MethodGet, "/api/v1/jobs/j1?wallet="+testWallet, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/jobs/j1?wallet=0xother", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "ownership mismatch must read as absence")
}

func TestListJobs(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.store.CreateJob(ctx, &store.Job{
			JobID: fmt.Sprintf("j%d", i), Wallet: testWallet, Service: "search",
			Status: store.StatusCompleted, CreatedAt: time.Now(),
		}))
	}

	w := e.do(t, http.MethodGet, "/api/v1/jobs?wallet="+testWallet+"&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs  []*store.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestCancelNotCancellable(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.CreateJob(ctx, &store.Job{
		JobID: "j1", Wallet: testWallet, Service: "search", Status: store.StatusCompleted,
	}))

	w := e.do(t, http.MethodPost, "/api/v1/jobs/j1/cancel?wallet="+testWallet, nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	e := newTestEnv(t)

	// Create: full secret returned exactly once.
	w := e.do(t, http.MethodPost, "/api/v1/keys", map[string]interface{}{
		"wallet": testWallet,
		"name":   "ci",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created store.APIKey
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Contains(t, created.Key, "ahk_")

	// List requires authentication and masks the secret.
	w = e.do(t, http.MethodGet, "/api/v1/keys", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/keys", nil, map[string]string{"X-API-Key": created.Key})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Key)

	// Revoke, then the key stops working.
	w = e.do(t, http.MethodDelete, "/api/v1/keys/"+created.Key, nil, map[string]string{"X-API-Key": created.Key})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/keys", nil, map[string]string{"X-API-Key": created.Key})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats store.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(0), stats.TotalJobs)
}

func adminToken(t *testing.T, secret, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAdminAuth(t *testing.T) {
	e := newTestEnv(t)

	// No token.
	w := e.do(t, http.MethodGet, "/admin/breakers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong role.
	w = e.do(t, http.MethodGet, "/admin/breakers", nil, map[string]string{
		"Authorization": "Bearer " + adminToken(t, "test-secret", "viewer"),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Wrong secret.
	w = e.do(t, http.MethodGet, "/admin/breakers", nil, map[string]string{
		"Authorization": "Bearer " + adminToken(t, "other-secret", "admin"),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid.
	w = e.do(t, http.MethodGet, "/admin/breakers", nil, map[string]string{
		"Authorization": "Bearer " + adminToken(t, "test-secret", "admin"),
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminSetAndGetLimits(t *testing.T) {
	e := newTestEnv(t)
	auth := map[string]string{"Authorization": "Bearer " + adminToken(t, "test-secret", "admin")}

	w := e.do(t, http.MethodPut, "/admin/limits/"+testWallet, map[string]interface{}{
		"daily_limit":   25.0,
		"monthly_limit": 200.0,
	}, auth)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/admin/limits/"+testWallet, nil, auth)
	require.Equal(t, http.StatusOK, w.Code)

	var limits store.SpendingLimits
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &limits))
	require.NotNil(t, limits.DailyLimit)
	assert.Equal(t, 25.0, *limits.DailyLimit)
	require.NotNil(t, limits.MonthlyLimit)
	assert.Equal(t, 200.0, *limits.MonthlyLimit)
}

func TestRateLimitReturns429(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Exhaust the wallet window out of band.
	key, err := e.keys.Create(ctx, testWallet, "limited")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.store.RecordRequest(ctx, testWallet, "10.0.0.1", time.Now()))
	}

	w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"service": "search",
	}, map[string]string{"X-API-Key": key.Key})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}
