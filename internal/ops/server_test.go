package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mastertrade/internal/arbitrage"
	"mastertrade/internal/domain"
	"mastertrade/internal/events"
	"mastertrade/internal/lifecycle"
	"mastertrade/internal/marketdata"
	"mastertrade/internal/metrics"
	"mastertrade/internal/ratelimit"
	"mastertrade/internal/risk"
	"mastertrade/internal/store"
)

var opsRef = time.Date(2025, 7, 25, 12, 0, 0, 0, time.UTC)

// Hashed once; bcrypt at cost 12 is too slow to repeat per test.
var testAdminHash, _ = HashAdminSecret("open-sesame")

type serverParts struct {
	st         store.Store
	bus        *events.EventBus
	m          *metrics.Metrics
	limiter    *ratelimit.Limiter
	cache      *marketdata.Cache
	riskSvc    *risk.Service
	portfolio  *risk.PortfolioController
	monitor    *arbitrage.Monitor
	generation *lifecycle.GenerationManager
}

func newTestServer(t *testing.T, p serverParts) *Server {
	t.Helper()
	cfg := Config{
		JWTSecret:       "test-signing-secret",
		AdminSecretHash: testAdminHash,
	}
	s := NewServer(cfg, p.st, p.bus, p.m, p.limiter, p.cache, p.riskSvc, p.portfolio, p.monitor, p.generation, nil, nil, zerolog.Nop())
	s.now = func() time.Time { return opsRef }
	s.startedAt = opsRef
	t.Cleanup(s.hub.stop)
	return s
}

func authToken(t *testing.T, s *Server) string {
	t.Helper()
	token, _, err := s.minter.Mint("admin")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func doReq(s *Server, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) interface{} {
	t.Helper()
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Fatalf("response not successful: %v", body)
	}
	return body["data"]
}

type failingHealth struct {
	store.Store
}

func (failingHealth) HealthCheck(ctx context.Context) error {
	return errors.New("connection refused")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, serverParts{st: store.NewMemory()})
	w := doReq(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "healthy" {
		t.Fatalf("status = %v, want healthy", body["status"])
	}

	s = newTestServer(t, serverParts{st: failingHealth{}})
	w = doReq(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", w.Code)
	}
}

func TestTokenExchange(t *testing.T) {
	s := newTestServer(t, serverParts{st: store.NewMemory()})

	w := doReq(s, http.MethodPost, "/api/v1/auth/token", "", strings.NewReader(`{"secret":"open-sesame"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", w.Code, w.Body.String())
	}
	data := dataOf(t, w).(map[string]interface{})
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("expected a token in the response")
	}
	if data["token_type"] != "Bearer" {
		t.Fatalf("token_type = %v, want Bearer", data["token_type"])
	}

	w = doReq(s, http.MethodGet, "/api/v1/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status with fresh token = %d, want 200", w.Code)
	}
}

func TestTokenExchangeRejections(t *testing.T) {
	s := newTestServer(t, serverParts{st: store.NewMemory()})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"wrong secret", `{"secret":"guess"}`, http.StatusUnauthorized},
		{"missing secret", `{}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doReq(s, http.MethodPost, "/api/v1/auth/token", "", strings.NewReader(tt.body))
			if w.Code != tt.code {
				t.Fatalf("code = %d, want %d", w.Code, tt.code)
			}
		})
	}
}

func TestAuthMiddlewareRejections(t *testing.T) {
	s := newTestServer(t, serverParts{st: store.NewMemory()})

	expired := NewTokenMinter("test-signing-secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _, err := expired.Mint("admin")
	if err != nil {
		t.Fatalf("mint expired token: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic Zm9vOmJhcg=="},
		{"garbage token", "Bearer not.a.token"},
		{"expired token", "Bearer " + expiredToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("code = %d, want 401", w.Code)
			}
		})
	}
}

func TestStatusAggregatesComponents(t *testing.T) {
	cache := marketdata.NewCache(marketdata.DefaultConfig(), nil)
	cache.Set(domain.PricePoint{Kind: "cex", Venue: "binance", Symbol: "BTCUSDT", Price: 65000})
	limiter := ratelimit.NewLimiter(ratelimit.Config{}, nil, nil, zerolog.Nop())

	s := newTestServer(t, serverParts{st: store.NewMemory(), cache: cache, limiter: limiter})
	w := doReq(s, http.MethodGet, "/api/v1/status", authToken(t, s), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}

	data := dataOf(t, w).(map[string]interface{})
	if _, ok := data["market_cache"]; !ok {
		t.Fatal("expected market_cache in status")
	}
	if _, ok := data["ratelimit"]; !ok {
		t.Fatal("expected ratelimit in status")
	}
	if _, ok := data["risk"]; ok {
		t.Fatal("risk should be absent when the service is not wired")
	}
	if data["uptime"] != "0s" {
		t.Fatalf("uptime = %v, want 0s with a frozen clock", data["uptime"])
	}
}

func TestMissingComponentsAnswer503(t *testing.T) {
	s := newTestServer(t, serverParts{})
	token := authToken(t, s)

	paths := []string{
		"/api/v1/ratelimit",
		"/api/v1/risk",
		"/api/v1/risk/metrics",
		"/api/v1/arbitrage/opportunities",
		"/api/v1/strategies",
		"/api/v1/generation/some-id",
		"/api/v1/indicator/configs",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			w := doReq(s, http.MethodGet, path, token, nil)
			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("code = %d, want 503", w.Code)
			}
		})
	}
}

func TestRiskEndpoints(t *testing.T) {
	gate := risk.NewController(risk.Config{}, nil, nil, nil, nil, nil, nil, nil, nil, zerolog.Nop())
	svc := risk.NewService(risk.Config{}, nil, nil, gate, nil, nil, nil, nil, zerolog.Nop())
	portfolio := risk.NewPortfolioController(risk.Config{}, nil, nil, nil, nil, store.NewMemory(), nil, nil, zerolog.Nop())

	s := newTestServer(t, serverParts{st: store.NewMemory(), riskSvc: svc, portfolio: portfolio})
	token := authToken(t, s)

	w := doReq(s, http.MethodGet, "/api/v1/risk", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("risk code = %d, want 200", w.Code)
	}
	data := dataOf(t, w).(map[string]interface{})
	if data["watchlist"] != float64(0) {
		t.Fatalf("watchlist = %v, want 0", data["watchlist"])
	}

	// Nothing computed yet.
	w = doReq(s, http.MethodGet, "/api/v1/risk/metrics", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("metrics code = %d, want 404", w.Code)
	}
}

func seedOpportunity(t *testing.T, st store.Store, id, pair string, ts time.Time) {
	t.Helper()
	doc, err := store.Encode(domain.ArbitrageOpportunity{
		ID:        id,
		Pair:      pair,
		Type:      "cex_dex",
		BuyVenue:  "binance",
		SellVenue: "uniswap",
		BuyPrice:  decimal.NewFromInt(100),
		SellPrice: decimal.NewFromInt(101),
		ProfitPct: decimal.NewFromFloat(1.0),
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("encode opportunity: %v", err)
	}
	if err := st.Upsert(context.Background(), store.ContainerArbOpportunities, doc); err != nil {
		t.Fatalf("seed opportunity: %v", err)
	}
}

func TestOpportunitiesEndpoint(t *testing.T) {
	st := store.NewMemory()
	seedOpportunity(t, st, "opp-1", "BTC/USDT", opsRef.Add(-2*time.Hour))
	seedOpportunity(t, st, "opp-2", "ETH/USDT", opsRef.Add(-1*time.Hour))
	monitor := arbitrage.NewMonitor(arbitrage.Config{}, nil, st, nil, nil, nil, nil, nil, zerolog.Nop())

	s := newTestServer(t, serverParts{st: st, monitor: monitor})
	token := authToken(t, s)

	w := doReq(s, http.MethodGet, "/api/v1/arbitrage/opportunities", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	rows := dataOf(t, w).([]interface{})
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	first := rows[0].(map[string]interface{})
	if first["id"] != "opp-2" {
		t.Fatalf("first id = %v, want the newest opportunity", first["id"])
	}

	w = doReq(s, http.MethodGet, "/api/v1/arbitrage/opportunities?pair=BTC/USDT", token, nil)
	if rows := dataOf(t, w).([]interface{}); len(rows) != 1 {
		t.Fatalf("filtered rows = %d, want 1", len(rows))
	}

	w = doReq(s, http.MethodGet, "/api/v1/arbitrage/opportunities?limit=abc", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code = %d, want 400", w.Code)
	}
}

func seedStrategy(t *testing.T, st store.Store, id string, active bool, createdAt time.Time) {
	t.Helper()
	doc, err := store.Encode(domain.Strategy{
		ID:        id,
		Name:      "Momentum " + id,
		Type:      "momentum",
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Status:    "approved",
		IsActive:  active,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("encode strategy: %v", err)
	}
	if err := st.Upsert(context.Background(), store.ContainerStrategies, doc); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
}

func TestStrategiesEndpoint(t *testing.T) {
	st := store.NewMemory()
	seedStrategy(t, st, "strat-old", false, opsRef.Add(-48*time.Hour))
	seedStrategy(t, st, "strat-new", true, opsRef.Add(-1*time.Hour))

	s := newTestServer(t, serverParts{st: st})
	token := authToken(t, s)

	w := doReq(s, http.MethodGet, "/api/v1/strategies", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	rows := dataOf(t, w).([]interface{})
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if first := rows[0].(map[string]interface{}); first["id"] != "strat-new" {
		t.Fatalf("first id = %v, want the newest strategy", first["id"])
	}

	w = doReq(s, http.MethodGet, "/api/v1/strategies?active=true", token, nil)
	rows = dataOf(t, w).([]interface{})
	if len(rows) != 1 {
		t.Fatalf("active rows = %d, want 1", len(rows))
	}
	if only := rows[0].(map[string]interface{}); only["id"] != "strat-new" {
		t.Fatalf("active id = %v, want strat-new", only["id"])
	}
}

func TestGenerationEndpoints(t *testing.T) {
	gm := lifecycle.NewGenerationManager(lifecycle.GenerationConfig{}, store.NewMemory(), nil, nil, nil, nil, nil, zerolog.Nop())
	s := newTestServer(t, serverParts{st: store.NewMemory(), generation: gm})
	token := authToken(t, s)

	// A zero-count job settles synchronously, which keeps the test
	// free of backtest machinery.
	w := doReq(s, http.MethodPost, "/api/v1/generation", token, strings.NewReader(`{"count":0}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("start code = %d, want 202: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	jobID := body["data"].(map[string]interface{})["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	w = doReq(s, http.MethodGet, "/api/v1/generation/"+jobID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("job code = %d, want 200", w.Code)
	}
	job := dataOf(t, w).(map[string]interface{})
	if job["status"] != domain.JobStatusCompleted {
		t.Fatalf("status = %v, want %s", job["status"], domain.JobStatusCompleted)
	}

	w = doReq(s, http.MethodGet, "/api/v1/generation/no-such-job", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing job code = %d, want 404", w.Code)
	}

	w = doReq(s, http.MethodPost, "/api/v1/generation", token, strings.NewReader(`{"count":-1}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative count code = %d, want 400", w.Code)
	}
}

func TestWebsocketStreamsBusEvents(t *testing.T) {
	bus := events.NewEventBus()
	s := newTestServer(t, serverParts{st: store.NewMemory(), bus: bus})
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")

	if _, resp, err := websocket.DefaultDialer.Dial(wsBase+"/ws", nil); err == nil {
		t.Fatal("expected the unauthenticated dial to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial response = %v, want 401", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws?token="+authToken(t, s), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var welcome map[string]interface{}
	if err := json.Unmarshal(msg, &welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcome["type"] != "CONNECTED" {
		t.Fatalf("welcome type = %v, want CONNECTED", welcome["type"])
	}

	bus.Publish(events.Event{
		Type: events.EventRiskAlert,
		Data: map[string]interface{}{"severity": "warning", "message": "drawdown approaching limit"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event["type"] != string(events.EventRiskAlert) {
		t.Fatalf("event type = %v, want %s", event["type"], events.EventRiskAlert)
	}
	data := event["data"].(map[string]interface{})
	if data["severity"] != "warning" {
		t.Fatalf("severity = %v, want warning", data["severity"])
	}
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t, serverParts{st: store.NewMemory(), m: metrics.New()})
	w := doReq(s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "mastertrade_stop_updates_total") {
		t.Fatal("expected platform collectors in the scrape output")
	}

	s = newTestServer(t, serverParts{st: store.NewMemory()})
	w = doReq(s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("code without registry = %d, want 404", w.Code)
	}
}
