// Package admin provides the read-only operator API mounted under /admin:
// cache occupancy per upstream, upstream status and the persisted request
// log. All routes are protected by bearer-token authentication via
// AuthMiddleware.
package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kefren-38/crypto-nitro-proxy/internal/cache"
	"github.com/kefren-38/crypto-nitro-proxy/internal/circuitbreaker"
	"github.com/kefren-38/crypto-nitro-proxy/internal/requestlog"
	"github.com/kefren-38/crypto-nitro-proxy/internal/upstream"
)

// Handlers holds dependencies for admin HTTP handlers. Breakers and Logs
// are nil when the corresponding feature is disabled.
type Handlers struct {
	Upstreams *upstream.Registry
	Caches    map[string]cache.Store
	Breakers  *circuitbreaker.Set
	Logs      requestlog.Reader
}

// CacheStats describes one upstream's response cache.
type CacheStats struct {
	Upstream   string `json:"upstream"`
	Entries    int    `json:"entries"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// UpstreamStatus describes one configured upstream.
type UpstreamStatus struct {
	Name                 string `json:"name"`
	BaseURL              string `json:"base_url"`
	Cached               bool   `json:"cached"`
	CredentialConfigured bool   `json:"credential_configured"`
	CircuitState         string `json:"circuit_state,omitempty"`
}

const (
	defaultLogsLimit = 50
	maxLogsLimit     = 500
)

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cache", h.cacheStats)
	r.Get("/upstreams", h.listUpstreams)
	r.Get("/logs", h.listLogs)
	return r
}

func (h *Handlers) cacheStats(w http.ResponseWriter, _ *http.Request) {
	stats := make([]CacheStats, 0, len(h.Caches))
	total := 0
	for _, name := range h.upstreamNames() {
		c, ok := h.Caches[name]
		if !ok {
			continue
		}
		n := c.Len()
		total += n
		stats = append(stats, CacheStats{
			Upstream:   name,
			Entries:    n,
			TTLSeconds: int64(c.TTL() / time.Second),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_entries": total,
		"data":          stats,
	})
}

func (h *Handlers) listUpstreams(w http.ResponseWriter, _ *http.Request) {
	var states map[string]circuitbreaker.State
	if h.Breakers != nil {
		states = h.Breakers.Snapshot()
	}

	out := make([]UpstreamStatus, 0)
	for _, name := range h.upstreamNames() {
		u, ok := h.Upstreams.Get(name)
		if !ok {
			continue
		}
		status := UpstreamStatus{
			Name:                 u.Name,
			BaseURL:              u.BaseURL,
			Cached:               u.Cached,
			CredentialConfigured: u.CheckCredential() == nil,
		}
		if h.Breakers != nil {
			status.CircuitState = circuitbreaker.StateClosed.String()
			if s, ok := states[name]; ok {
				status.CircuitState = s.String()
			}
		}
		out = append(out, status)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	if h.Logs == nil {
		writeError(w, http.StatusNotFound, "request log is disabled", "", "request_log_disabled")
		return
	}

	q := requestlog.Query{
		Limit:    defaultLogsLimit,
		Upstream: r.URL.Query().Get("upstream"),
		Outcome:  r.URL.Query().Get("outcome"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "", "invalid_limit")
			return
		}
		q.Limit = min(n, maxLogsLimit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer", "", "invalid_offset")
			return
		}
		q.Offset = n
	}

	res, err := h.Logs.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":  res.Total,
		"limit":  q.Limit,
		"offset": q.Offset,
		"data":   res.Data,
	})
}

func (h *Handlers) upstreamNames() []string {
	if h.Upstreams == nil {
		return nil
	}
	return h.Upstreams.List()
}
