package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kefren-38/crypto-nitro-proxy/internal/logging"
	"github.com/kefren-38/crypto-nitro-proxy/internal/metrics"
)

// Middleware rejects requests with 429 once the caller's IP has used up its
// bucket. Mount it after chi's RealIP so proxies in front are honoured.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			l := store.Get(ip)
			if l.Allow() {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := l.RetryAfter()
			if retryAfter < 1 {
				retryAfter = 1
			}
			metrics.RateLimitRejections.WithLabelValues("ip").Inc()
			logging.FromContext(r.Context()).Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success":    false,
				"error":      "Proxy rate limit exceeded",
				"retryAfter": retryAfter,
				"message":    fmt.Sprintf("Please retry in %d seconds", retryAfter),
				"timestamp":  time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			})
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
