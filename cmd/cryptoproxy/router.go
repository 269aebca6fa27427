package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kefren-38/crypto-nitro-proxy/internal/admin"
	"github.com/kefren-38/crypto-nitro-proxy/internal/logging"
	"github.com/kefren-38/crypto-nitro-proxy/internal/proxy"
	"github.com/kefren-38/crypto-nitro-proxy/internal/ratelimit"
	"github.com/kefren-38/crypto-nitro-proxy/internal/requestlog"
	"github.com/kefren-38/crypto-nitro-proxy/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const documentationURL = "https://github.com/Kefren-38/crypto-nitro-proxy"

// newRouter builds the HTTP router.
func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(middleware.RealIP)
	r.Use(logging.AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(a.cfg.Server.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   serviceName,
			"timestamp": proxy.FormatTimestamp(time.Now()),
		})
	})

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"service":       "Crypto Nitro Proxy",
			"version":       version.Short(),
			"endpoints":     a.endpoints(),
			"documentation": documentationURL,
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if a.limiter != nil {
			r.Use(ratelimit.Middleware(a.limiter))
		}
		var logs requestlog.Writer = requestlog.NoopWriter{}
		if a.logs != nil {
			logs = a.logs
		}
		for _, name := range a.upstreams.List() {
			u := a.upstreams.MustGet(name)
			opts := []proxy.Option{proxy.WithRequestLog(logs)}
			if c, ok := a.caches[name]; ok {
				opts = append(opts, proxy.WithCache(c), proxy.WithCoalescing(a.cfg.Cache.CoalesceMisses))
			}
			r.Method(http.MethodGet, "/api/"+name+"/*", proxy.NewHandler(u, a.client, opts...))
		}
	})

	if a.cfg.Admin.Token != "" {
		adminHandlers := &admin.Handlers{
			Upstreams: a.upstreams,
			Caches:    a.caches,
			Breakers:  a.breakers,
		}
		if a.logs != nil {
			adminHandlers.Logs = a.logs
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.AuthMiddleware(a.cfg.Admin.Token))
			r.Mount("/", adminHandlers.Routes())
		})
	}

	return r
}

// endpoints describes the public routes for the root descriptor.
func (a *app) endpoints() map[string]string {
	out := map[string]string{"health": "/health"}
	for _, name := range a.upstreams.List() {
		route := "/api/" + name + "/*"
		if c, ok := a.caches[name]; ok {
			route = fmt.Sprintf("%s (cached %s)", route, c.TTL())
		}
		out[name] = route
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
