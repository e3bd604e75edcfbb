package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/signal-fanout/internal/database"
	"github.com/trogers1052/signal-fanout/internal/metrics"
	"github.com/trogers1052/signal-fanout/internal/models"
)

const adminToken = "admin-secret"

func newTestRouter(t *testing.T, store *mockStore, redis Pinger) http.Handler {
	t.Helper()
	auth, err := NewAuthenticator([]string{testToken}, nil, false)
	require.NoError(t, err)
	m := metrics.New()
	return SetupRoutes(RouterConfig{
		Handler:    NewHandler(store, redis, true, zerolog.Nop()),
		Webhook:    NewWebhookHandler(store, auth, nil, m, WebhookConfig{}, zerolog.Nop()),
		Metrics:    m.Handler(),
		AdminToken: adminToken,
		Logger:     zerolog.Nop(),
	})
}

func doRequest(h http.Handler, method, target string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestOperatorAPI_RequiresAdminToken(t *testing.T) {
	router := newTestRouter(t, newMockStore(), nil)

	rr := doRequest(router, http.MethodGet, "/api/v1/signals", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doRequest(router, http.MethodGet, "/api/v1/signals", true)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestOperatorAPI_AdminTokenOnlyFromBearerHeader(t *testing.T) {
	router := newTestRouter(t, newMockStore(), nil)

	rr := doRequest(router, http.MethodGet, "/api/v1/signals?token="+adminToken, false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/signals", nil)
	req.Header.Set("X-Webhook-Token", adminToken)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestListSignals_FilterAndValidation(t *testing.T) {
	store := newMockStore()
	store.addSignal("sig-1", models.SignalFailed)
	store.addSignal("sig-2", models.SignalProcessed)
	router := newTestRouter(t, store, nil)

	rr := doRequest(router, http.MethodGet, "/api/v1/signals?state=failed", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var signals []models.Signal
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &signals))
	require.Len(t, signals, 1)
	assert.Equal(t, "sig-1", signals[0].ID)

	assert.Equal(t, http.StatusBadRequest, doRequest(router, http.MethodGet, "/api/v1/signals?state=weird", true).Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(router, http.MethodGet, "/api/v1/signals?limit=-4", true).Code)
}

func TestListSignals_EmptyIsArray(t *testing.T) {
	router := newTestRouter(t, newMockStore(), nil)

	rr := doRequest(router, http.MethodGet, "/api/v1/signals", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestGetSignal(t *testing.T) {
	store := newMockStore()
	store.addSignal("sig-1", models.SignalProcessed)
	router := newTestRouter(t, store, nil)

	rr := doRequest(router, http.MethodGet, "/api/v1/signals/sig-1", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "claim_token")

	rr = doRequest(router, http.MethodGet, "/api/v1/signals/missing", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetSignalOrders(t *testing.T) {
	store := newMockStore()
	store.addSignal("sig-1", models.SignalProcessed)
	sigID := "sig-1"
	store.orders = []*models.Order{
		{IdempotencyKey: "k1", UserID: "alice", SignalID: &sigID, Status: models.OrderPendingSubmit},
	}
	router := newTestRouter(t, store, nil)

	rr := doRequest(router, http.MethodGet, "/api/v1/signals/sig-1/orders", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var orders []models.Order
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "alice", orders[0].UserID)

	assert.Equal(t, http.StatusNotFound, doRequest(router, http.MethodGet, "/api/v1/signals/nope/orders", true).Code)
}

func TestResetSignal(t *testing.T) {
	store := newMockStore()
	store.addSignal("sig-failed", models.SignalFailed)
	store.addSignal("sig-done", models.SignalProcessed)
	router := newTestRouter(t, store, nil)

	rr := doRequest(router, http.MethodPost, "/api/v1/signals/sig-failed/reset", true)
	require.Equal(t, http.StatusOK, rr.Code)
	s, err := store.GetSignal(context.Background(), "sig-failed")
	require.NoError(t, err)
	assert.Equal(t, models.SignalPending, s.State)

	assert.Equal(t, http.StatusConflict, doRequest(router, http.MethodPost, "/api/v1/signals/sig-done/reset", true).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(router, http.MethodPost, "/api/v1/signals/nope/reset", true).Code)
}

func TestListOrders_PendingSubmitPoll(t *testing.T) {
	store := newMockStore()
	store.orders = []*models.Order{
		{IdempotencyKey: "k1", Status: models.OrderPendingSubmit},
		{IdempotencyKey: "k2", Status: models.OrderSubmitted},
	}
	router := newTestRouter(t, store, nil)

	rr := doRequest(router, http.MethodGet, "/api/v1/orders?status=pending_submit&limit=10", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var orders []models.Order
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "k1", orders[0].IdempotencyKey)
	assert.Equal(t, 10, store.lastFilter.Limit)

	assert.Equal(t, http.StatusBadRequest, doRequest(router, http.MethodGet, "/api/v1/orders?status=filled", true).Code)
}

func TestListOrders_LimitCapped(t *testing.T) {
	store := newMockStore()
	router := newTestRouter(t, store, nil)

	require.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/api/v1/orders?limit=100000", true).Code)
	assert.Equal(t, maxListLimit, store.lastFilter.Limit)
}

func TestStoreErrors(t *testing.T) {
	store := newMockStore()
	store.listErr = database.ErrTransient
	router := newTestRouter(t, store, nil)
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(router, http.MethodGet, "/api/v1/orders", true).Code)

	store.listErr = assert.AnError
	assert.Equal(t, http.StatusInternalServerError, doRequest(router, http.MethodGet, "/api/v1/orders", true).Code)
}

func TestHealthCheck(t *testing.T) {
	store := newMockStore()
	router := newTestRouter(t, store, mockPinger{})

	rr := doRequest(router, http.MethodGet, "/health", false)
	require.Equal(t, http.StatusOK, rr.Code)
	var health struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Services["postgres"])
	assert.Equal(t, "healthy", health.Services["redis"])
	assert.Equal(t, "configured", health.Services["kafka"])
}

func TestHealthCheck_DatabaseDown(t *testing.T) {
	store := newMockStore()
	store.pingErr = assert.AnError
	router := newTestRouter(t, store, nil)

	rr := doRequest(router, http.MethodGet, "/health", false)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "degraded")
	assert.Contains(t, rr.Body.String(), "not configured")
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, newMockStore(), nil)

	rr := doRequest(router, http.MethodGet, "/metrics", false)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookRoutes(t *testing.T) {
	store := newMockStore()
	router := newTestRouter(t, store, nil)

	for _, path := range []string{"/webhook/signals", "/webhook/tradingview"} {
		req := httptest.NewRequest(http.MethodPost, path+"?token="+testToken, nil)
		req.Body = http.NoBody
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, path)
	}
	assert.Empty(t, store.Inserted())
}
