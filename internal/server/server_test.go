package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/cloudmetrics"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditmeter/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditmeter/internal/ledger/service"
	"github.com/smallbiznis/creditmeter/internal/monitor/notify"
	monitorservice "github.com/smallbiznis/creditmeter/internal/monitor/service"
	"github.com/smallbiznis/creditmeter/internal/observability"
	"github.com/smallbiznis/creditmeter/internal/preflight/reservation"
	preflightservice "github.com/smallbiznis/creditmeter/internal/preflight/service"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/creditmeter/internal/pricing/service"
	purchaseservice "github.com/smallbiznis/creditmeter/internal/purchase/service"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	usagerepo "github.com/smallbiznis/creditmeter/internal/usage/repository"
	usageservice "github.com/smallbiznis/creditmeter/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, limiter *ratelimit.UsageIngestLimiter) *Server {
	t.Helper()
	db := testutil.NewDB(t,
		&ledgerdomain.CreditAccount{},
		&ledgerdomain.Transaction{},
		&usagedomain.UsageEvent{},
		&pricingdomain.PricingRule{},
	)
	clk := testutil.NewClock()
	node := testutil.NewNode(t)
	policy := testutil.NewPolicy()
	log := zap.NewNop()
	accounting := cloudmetrics.New(nil, nil, "test", "0.0.0", nil)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Policy: policy, Repo: ledgerrepo.Provide(),
	})
	pricing := pricingservice.NewService(pricingservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Policy: policy, Cache: cache.NewPricingTableCache(clk, 0),
	})
	usage := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, Clock: clk, Cfg: config.Config{}, Pricing: pricing, Ledger: ledger,
		ExportRepo: usagerepo.ProvideExport(), Metrics: accounting,
	})
	preflight := preflightservice.NewService(preflightservice.Params{
		Log: log, Clock: clk, Policy: policy, Ledger: ledger, Pricing: pricing, Store: reservation.NewMemoryStore(),
	})
	monitors := monitorservice.NewManager(monitorservice.Params{
		Log: log, Clock: clk, Policy: policy, Balances: ledger, Pricing: pricing,
		Notifier: notify.NewNotifier(config.Config{}, clk, log),
	})
	t.Cleanup(func() { _ = monitors.Shutdown(t.Context()) })
	purchase := purchaseservice.NewService(purchaseservice.Params{Log: log, Ledger: ledger, Metrics: accounting})

	return NewServer(ServerParams{
		Gin:          NewEngine(observability.Config{}, nil, accounting.Registry()),
		LedgerSvc:    ledger,
		Usagesvc:     usage,
		PreflightSvc: preflight,
		Monitors:     monitors,
		PurchaseSvc:  purchase,
		UsageLimiter: limiter,
	})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRecordUsageEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/v1/usage", gin.H{
		"account_id":    "acct_h1",
		"service":       "video_call_minute",
		"quantity":      7,
		"resource_id":   "call_1",
		"resource_type": "call",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[usagedomain.RecordResult](t, rec)
	assert.True(t, res.Cost.Equal(decimal.NewFromInt(100)), res.Cost.String())
	assert.Equal(t, "call_1", res.Event.ResourceID)
}

func TestRecordUsageErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/v1/usage", gin.H{"account_id": "acct_h2", "service": "teleportation", "quantity": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	payload := decode[errorResponse](t, rec)
	require.Len(t, payload.Error.Errors, 1)
	assert.Equal(t, "unknown_service", payload.Error.Errors[0].Code)
	assert.Equal(t, "service", payload.Error.Errors[0].Field)

	rec = do(t, s, http.MethodPost, "/v1/usage", gin.H{"account_id": "acct_h2", "service": "video_call_minute", "quantity": 100})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	assert.Equal(t, "insufficient_credits", decode[errorResponse](t, rec).Error.Type)

	req := httptest.NewRequest(http.MethodPost, "/v1/usage", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	s.Engine().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestPurchaseWebhookIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	body := gin.H{"external_ref": "chk_h1", "account_id": "acct_h3", "credits": "1000"}

	first := decode[map[string]any](t, do(t, s, http.MethodPost, "/v1/purchases", body))
	assert.Equal(t, true, first["accepted"])

	rec := do(t, s, http.MethodPost, "/v1/purchases", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[map[string]any](t, rec)
	assert.Equal(t, false, second["accepted"])
	assert.Equal(t, true, second["already_processed"])

	rec = do(t, s, http.MethodGet, "/v1/accounts/acct_h3/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[ledgerdomain.Balance](t, rec)
	assert.True(t, balance.PaidAvailable.Equal(decimal.NewFromInt(1000)))
	assert.True(t, balance.TotalPurchased.Equal(decimal.NewFromInt(1000)))

	rec = do(t, s, http.MethodPost, "/v1/purchases", gin.H{"account_id": "acct_h3", "credits": "10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTransactionsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/purchases", gin.H{"external_ref": "chk_h4", "account_id": "acct_h4", "credits": "50"}).Code)

	rec := do(t, s, http.MethodGet, "/v1/accounts/acct_h4/transactions?type=purchase", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ledgerdomain.ListTransactionsResponse](t, rec)
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, ledgerdomain.TransactionTypePurchase, resp.Transactions[0].Type)

	rec = do(t, s, http.MethodGet, "/v1/accounts/acct_h4/transactions?type=gift", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreflightAndReservations(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/v1/preflight", gin.H{
		"account_id": "acct_h5",
		"operations": []gin.H{{"name": "call", "service": "video_call_minute", "role": "primary", "quantity": 10}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decision := decode[map[string]any](t, rec)
	assert.Equal(t, true, decision["can_afford"])

	rec = do(t, s, http.MethodPost, "/v1/reservations", gin.H{
		"account_id": "acct_h5", "amount": "100", "resource_id": "call_5", "resource_type": "call", "ttl_seconds": 600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reservationID, _ := decode[map[string]any](t, rec)["id"].(string)
	require.NotEmpty(t, reservationID)

	rec = do(t, s, http.MethodPost, "/v1/reservations", gin.H{"account_id": "acct_h5", "amount": "100000", "resource_id": "call_6"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/v1/reservations/"+reservationID, nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/v1/reservations/"+reservationID, nil).Code)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	body := gin.H{
		"account_id":    "acct_h6",
		"resource_id":   "call_h6",
		"resource_type": "call",
		"components": []gin.H{
			{"name": "call", "service": "video_call_minute", "kind": "per_minute", "quantity": 1},
		},
	}

	rec := do(t, s, http.MethodPost, "/v1/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["state"])

	rec = do(t, s, http.MethodPost, "/v1/sessions", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/sessions/call_h6", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodDelete, "/v1/sessions/call_h6", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/v1/sessions/call_h6", nil).Code)

	body["components"] = []gin.H{{"name": "call", "service": "video_call_minute", "kind": "hourly", "quantity": 1}}
	body["resource_id"] = "call_h7"
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/sessions", body).Code)
}

func TestUsageRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewUsageIngestLimiter(config.Config{RateLimit: config.RateLimitConfig{
		Enabled: true, UsageIngestAccountRate: 0.5, UsageIngestAccountBurst: 1,
	}}, client, zap.NewNop())
	require.NoError(t, err)
	s := newTestServer(t, limiter)

	body := gin.H{"account_id": "acct_h8", "service": "chat_message", "quantity": 1}
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/usage", body).Code)

	rec := do(t, s, http.MethodPost, "/v1/usage", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, rateLimitReasonAccountRate, rec.Header().Get("X-Rate-Limited-Reason"))

	body["account_id"] = "acct_h9"
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/usage", body).Code)
}

func TestMetricsAndFallback(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/purchases", gin.H{"external_ref": "chk_m", "account_id": "acct_m", "credits": "5"}).Code)

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "creditmeter_accounting_credits_added_total")

	rec = do(t, s, http.MethodGet, "/v1/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorResponse](t, rec).Error.Type)
}
