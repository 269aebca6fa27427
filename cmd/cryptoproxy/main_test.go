package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	cryptoproxy "github.com/kefren-38/crypto-nitro-proxy"
)

// fakeMarket stands in for all three upstreams.
type fakeMarket struct {
	*httptest.Server
	calls atomic.Int32
}

func newFakeMarket(t *testing.T) *fakeMarket {
	t.Helper()
	f := &fakeMarket{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/limited"):
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"status":{"error_code":1008}}`))
		default:
			_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","query":"` + r.URL.RawQuery + `"}`))
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func testConfig(market *fakeMarket) cryptoproxy.Config {
	cfg := cryptoproxy.DefaultConfig()
	cfg.Upstreams = []cryptoproxy.UpstreamConfig{
		{Name: "binance", BaseURL: market.URL + "/api/v3"},
		{Name: "coingecko", BaseURL: market.URL + "/api/v3"},
		{Name: "coinmarketcap", BaseURL: market.URL + "/v1"},
	}
	return cfg
}

func envWith(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func newTestServer(t *testing.T, cfg cryptoproxy.Config, env map[string]string) (*app, http.Handler) {
	t.Helper()
	a, err := newApp(cfg, envWith(env))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, newRouter(a)
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, rec.Body.String())
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t, cryptoproxy.DefaultConfig(), nil)

	rec, body := get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" || body["service"] != "crypto-nitro-proxy" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Error("expected timestamp")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestRootDescriptor(t *testing.T) {
	_, h := newTestServer(t, cryptoproxy.DefaultConfig(), nil)

	_, body := get(t, h, "/")
	if body["service"] != "Crypto Nitro Proxy" {
		t.Errorf("service = %v", body["service"])
	}
	if body["documentation"] != documentationURL {
		t.Errorf("documentation = %v", body["documentation"])
	}
	endpoints, _ := body["endpoints"].(map[string]interface{})
	if endpoints["health"] != "/health" || endpoints["binance"] != "/api/binance/*" {
		t.Errorf("unexpected endpoints: %v", endpoints)
	}
	if !strings.Contains(endpoints["coinmarketcap"].(string), "cached 10m0s") {
		t.Errorf("coinmarketcap endpoint should mention the cache: %v", endpoints["coinmarketcap"])
	}
}

func TestCoinMarketCap_CachesSuccess(t *testing.T) {
	market := newFakeMarket(t)
	_, h := newTestServer(t, testConfig(market), map[string]string{"COINMARKETCAP_API_KEY": "k"})

	path := "/api/coinmarketcap/v1/cryptocurrency/quotes/latest?symbol=BTC,ETH"
	rec, first := get(t, h, path)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if first["cached"] != false || first["source"] != "coinmarketcap" {
		t.Errorf("unexpected first response: %v", first)
	}
	data, _ := first["data"].(map[string]interface{})
	if data["path"] != "/v1/cryptocurrency/quotes/latest" || data["query"] != "symbol=BTC,ETH" {
		t.Errorf("upstream saw unexpected request: %v", data)
	}

	_, second := get(t, h, "/api/coinmarketcap/cryptocurrency/quotes/latest?symbol=BTC,ETH")
	if second["cached"] != true {
		t.Errorf("expected cache hit for the unprefixed path, got %v", second)
	}
	if market.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", market.calls.Load())
	}
}

func TestCoinMarketCap_MissingKey(t *testing.T) {
	market := newFakeMarket(t)
	_, h := newTestServer(t, testConfig(market), nil)

	rec, body := get(t, h, "/api/coinmarketcap/cryptocurrency/map")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["success"] != false || !strings.Contains(body["error"].(string), "COINMARKETCAP_API_KEY") {
		t.Errorf("unexpected body: %v", body)
	}
	if market.calls.Load() != 0 {
		t.Error("upstream must not be called without a key")
	}
}

func TestCoinGecko_RateLimit(t *testing.T) {
	market := newFakeMarket(t)
	_, h := newTestServer(t, testConfig(market), nil)

	rec, body := get(t, h, "/api/coingecko/limited")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["retryAfter"] != float64(12) {
		t.Errorf("retryAfter = %v, want 12", body["retryAfter"])
	}
}

func TestBinance_PassThrough(t *testing.T) {
	market := newFakeMarket(t)
	_, h := newTestServer(t, testConfig(market), nil)

	for i := 0; i < 2; i++ {
		rec, body := get(t, h, "/api/binance/ticker/price?symbol=BTCUSDT")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if _, ok := body["cached"]; ok {
			t.Error("pass-through responses carry no cached field")
		}
	}
	if market.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", market.calls.Load())
	}
}

func TestProxyRoutes_GetOnly(t *testing.T) {
	_, h := newTestServer(t, cryptoproxy.DefaultConfig(), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/binance/time", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	market := newFakeMarket(t)
	_, h := newTestServer(t, testConfig(market), nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/binance/time", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if rec.Header().Get("Access-Control-Allow-Methods") != "GET, POST, OPTIONS" {
		t.Errorf("allow-methods = %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
	if market.calls.Load() != 0 {
		t.Error("preflight must not reach upstream")
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := cryptoproxy.DefaultConfig()
	cfg.Server.CORSOrigins = []string{"https://allowed.example"}
	_, h := newTestServer(t, cfg, nil)

	for origin, want := range map[string]string{
		"https://allowed.example": "https://allowed.example",
		"https://other.example":   "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("origin %s: allow-origin = %q, want %q", origin, got, want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	market := newFakeMarket(t)
	_, h := newTestServer(t, testConfig(market), nil)
	get(t, h, "/api/binance/time")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "cryptoproxy_requests_total") {
		t.Error("expected cryptoproxy_requests_total in /metrics output")
	}
}

func TestRateLimitEnabled(t *testing.T) {
	market := newFakeMarket(t)
	cfg := testConfig(market)
	cfg.RateLimit = cryptoproxy.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	_, h := newTestServer(t, cfg, nil)

	if rec, _ := get(t, h, "/api/binance/time"); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec, body := get(t, h, "/api/binance/time")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if body["success"] != false {
		t.Errorf("unexpected body: %v", body)
	}
	// Health stays outside the limiter.
	if rec, _ := get(t, h, "/health"); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	_, h := newTestServer(t, cryptoproxy.DefaultConfig(), nil)

	rec, _ := get(t, h, "/admin/cache")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAdmin_CacheAndLogs(t *testing.T) {
	market := newFakeMarket(t)
	cfg := testConfig(market)
	cfg.Admin.Token = "tok"
	cfg.RequestLog = cryptoproxy.RequestLogConfig{
		Enabled: true,
		Driver:  "sqlite",
		DSN:     filepath.Join(t.TempDir(), "requests.db"),
	}
	_, h := newTestServer(t, cfg, map[string]string{"COINMARKETCAP_API_KEY": "k"})

	get(t, h, "/api/coinmarketcap/cryptocurrency/map")
	get(t, h, "/api/coinmarketcap/cryptocurrency/map")

	adminGet := func(path string) map[string]interface{} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d body = %s", path, rec.Code, rec.Body.String())
		}
		var body map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		return body
	}

	if stats := adminGet("/admin/cache"); stats["total_entries"] != float64(1) {
		t.Errorf("total_entries = %v, want 1", stats["total_entries"])
	}
	logs := adminGet("/admin/logs?upstream=coinmarketcap")
	if logs["total"] != float64(2) {
		t.Errorf("total = %v, want 2", logs["total"])
	}
	data, _ := logs["data"].([]interface{})
	if len(data) != 2 {
		t.Fatalf("expected 2 log rows, got %d", len(data))
	}
	newest, _ := data[0].(map[string]interface{})
	if newest["outcome"] != "cache_hit" {
		t.Errorf("newest outcome = %v, want cache_hit", newest["outcome"])
	}
}

func TestLoadConfig_FromEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4100\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig("", envWith(map[string]string{"PROXY_CONFIG": path}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d, want 4100", cfg.Server.Port)
	}

	cfg, err = loadConfig(path, envWith(map[string]string{"PORT": "4200"}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("PORT should override the file, got %d", cfg.Server.Port)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	if _, err := loadConfig("", envWith(map[string]string{"PORT": "0"})); err == nil {
		t.Error("expected validation error for port 0")
	}
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.json")
	if err := os.WriteFile(path, []byte(`{"cache": {"ttl": "5m"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--print", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "ttl: 5m0s") {
		t.Errorf("expected effective config output, got:\n%s", out.String())
	}
}

func TestValidateCommand_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.json")
	if err := os.WriteFile(path, []byte(`{"server": {"port": "eighty"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", path})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "cryptoproxy ") {
		t.Errorf("unexpected output %q", out.String())
	}
}
