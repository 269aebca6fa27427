package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMiddleware_ReusesIncomingRequestID(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if seen != "abc123" {
		t.Errorf("trace id = %q, want abc123", seen)
	}
	if w.Header().Get("X-Request-ID") != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", w.Header().Get("X-Request-ID"))
	}
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if len(w.Header().Get("X-Request-ID")) != 32 {
		t.Errorf("generated id = %q, want 32 hex chars", w.Header().Get("X-Request-ID"))
	}
}

func TestAccessLog_WritesStatus(t *testing.T) {
	var buf bytes.Buffer
	Setup("info", "json", &buf)
	t.Cleanup(func() { Setup("", "", os.Stdout) })

	h := AccessLog(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/binance/time", nil))

	line := strings.TrimSpace(buf.String())
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	if rec["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v, want 418", rec["status"])
	}
	if rec["path"] != "/api/binance/time" {
		t.Errorf("path = %v", rec["path"])
	}
}
