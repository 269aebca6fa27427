// Package proxy implements the HTTP handlers that relay /api/<upstream>/*
// requests. Upstreams marked Cached go through a TTL response cache keyed
// by the escaped, normalized sub-path plus raw query; the others are plain
// pass-through.
//
// Per request the handler moves through:
//
//	START → KEY_DERIVED → CACHE_HIT → RESPONDED
//	                    → CACHE_MISS → UPSTREAM_CALLED →
//	                        RATE_LIMITED | SUCCESS_STORED | UPSTREAM_ERROR | TRANSPORT_ERROR → RESPONDED
//
// Every path writes exactly one response. Nothing is retried.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kefren-38/crypto-nitro-proxy/internal/cache"
	"github.com/kefren-38/crypto-nitro-proxy/internal/circuitbreaker"
	"github.com/kefren-38/crypto-nitro-proxy/internal/logging"
	"github.com/kefren-38/crypto-nitro-proxy/internal/metrics"
	"github.com/kefren-38/crypto-nitro-proxy/internal/requestlog"
	"github.com/kefren-38/crypto-nitro-proxy/internal/upstream"
	"golang.org/x/sync/singleflight"
)

// Outcome labels used in metrics and the request log.
const (
	OutcomeCacheHit       = "cache_hit"
	OutcomeSuccess        = "success"
	OutcomeRateLimited    = "rate_limited"
	OutcomeUpstreamError  = "upstream_error"
	OutcomeTransportError = "transport_error"
	OutcomeConfigError    = "config_error"
	OutcomeCircuitOpen    = "circuit_open"
)

// Fetcher performs an upstream call. *upstream.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, up *upstream.Upstream, subPath, rawQuery string) (*upstream.Result, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithCache routes successful responses through store. Without it the
// handler is pass-through.
func WithCache(store cache.Store) Option {
	return func(h *Handler) {
		h.cache = store
	}
}

// WithCoalescing collapses concurrent misses for the same key into one
// upstream call. Off by default: concurrent misses may each call upstream
// and the last store wins.
func WithCoalescing(enabled bool) Option {
	return func(h *Handler) {
		h.coalesce = enabled
	}
}

// WithRequestLog persists one entry per request to w.
func WithRequestLog(w requestlog.Writer) Option {
	return func(h *Handler) {
		h.logs = w
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// Handler relays requests for a single upstream.
type Handler struct {
	upstream *upstream.Upstream
	client   Fetcher
	cache    cache.Store
	coalesce bool
	group    singleflight.Group
	logs     requestlog.Writer
	now      func() time.Time
}

// NewHandler creates a Handler for up. The cache is shared by reference, so
// one store may back several handlers.
func NewHandler(up *upstream.Upstream, client Fetcher, opts ...Option) *Handler {
	h := &Handler{
		upstream: up,
		client:   client,
		logs:     requestlog.NoopWriter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// result describes how a request ended.
type result struct {
	outcome string
	status  int
	cached  bool
	errMsg  string
}

// ServeHTTP relays the chi wildcard sub-path and the raw query string.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	subPath := h.upstream.NormalizePath(wildcardPath(r))
	rawQuery := r.URL.RawQuery

	res := h.serve(r.Context(), w, subPath, rawQuery)
	h.finish(r.Context(), subPath, rawQuery, res, h.now().Sub(start))
}

func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, subPath, rawQuery string) result {
	up := h.upstream

	if err := up.CheckCredential(); err != nil {
		msg := up.DisplayName + " API key is not configured"
		if up.APIKeyEnv != "" {
			msg = up.APIKeyEnv + " is not configured in the environment"
		}
		return h.fail(w, http.StatusInternalServerError, OutcomeConfigError, Envelope{Error: msg})
	}

	key := DeriveKey(upstream.EscapePath(subPath), rawQuery)

	if h.cache != nil {
		if entry, ok := h.cache.Lookup(key); ok {
			metrics.CacheLookups.WithLabelValues(up.Name, "hit").Inc()
			age := int64(math.Round(entry.Age(h.now()).Seconds()))
			writeEnvelope(w, http.StatusOK, Envelope{
				Success:   true,
				Source:    up.Name,
				Cached:    boolPtr(true),
				CacheAge:  &age,
				Data:      entry.Payload,
				Timestamp: FormatTimestamp(entry.InsertedAt),
			})
			return result{outcome: OutcomeCacheHit, status: http.StatusOK, cached: true}
		}
		metrics.CacheLookups.WithLabelValues(up.Name, "miss").Inc()
	}

	res, err := h.fetch(ctx, key, subPath, rawQuery)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return h.fail(w, http.StatusServiceUnavailable, OutcomeCircuitOpen, Envelope{
				Error: fmt.Sprintf("%s is temporarily unavailable", up.DisplayName),
			})
		}
		return h.fail(w, http.StatusInternalServerError, OutcomeTransportError, Envelope{Error: err.Error()})
	}

	switch res.Outcome() {
	case upstream.OutcomeRateLimited:
		if up.MapRateLimit {
			retryAfter := res.RetryAfter
			return h.fail(w, http.StatusTooManyRequests, OutcomeRateLimited, Envelope{
				Error:      fmt.Sprintf("%s rate limit reached", up.DisplayName),
				RetryAfter: &retryAfter,
				Message:    fmt.Sprintf("Please retry in %d seconds", retryAfter),
			})
		}
	case upstream.OutcomeSuccess:
		var data json.RawMessage
		if err := json.Unmarshal(res.Body, &data); err != nil {
			return h.fail(w, http.StatusInternalServerError, OutcomeTransportError, Envelope{
				Error: fmt.Sprintf("invalid JSON from %s: %v", up.DisplayName, err),
			})
		}
		env := Envelope{
			Success:   true,
			Source:    up.Name,
			Data:      data,
			Timestamp: FormatTimestamp(h.now()),
		}
		if h.cache != nil {
			h.cache.Store(key, data)
			metrics.CacheStores.WithLabelValues(up.Name).Inc()
			env.Cached = boolPtr(false)
		}
		writeEnvelope(w, http.StatusOK, env)
		return result{outcome: OutcomeSuccess, status: http.StatusOK}
	}

	outcome := OutcomeUpstreamError
	if res.Outcome() == upstream.OutcomeRateLimited {
		outcome = OutcomeRateLimited
	}
	return h.fail(w, res.Status, outcome, Envelope{
		Error:   fmt.Sprintf("%s API returned %d", up.DisplayName, res.Status),
		Status:  res.Status,
		Details: string(res.Body),
	})
}

func (h *Handler) fetch(ctx context.Context, key, subPath, rawQuery string) (*upstream.Result, error) {
	if !h.coalesce {
		return h.client.Fetch(ctx, h.upstream, subPath, rawQuery)
	}

	// The shared call must not die with whichever caller happened to start it.
	shared := context.WithoutCancel(ctx)
	v, err, wasShared := h.group.Do(key, func() (interface{}, error) {
		return h.client.Fetch(shared, h.upstream, subPath, rawQuery)
	})
	if wasShared {
		metrics.CoalescedMisses.WithLabelValues(h.upstream.Name).Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*upstream.Result), nil
}

func (h *Handler) fail(w http.ResponseWriter, status int, outcome string, env Envelope) result {
	env.Success = false
	env.Timestamp = FormatTimestamp(h.now())
	writeEnvelope(w, status, env)
	return result{outcome: outcome, status: status, errMsg: env.Error}
}

func (h *Handler) finish(ctx context.Context, subPath, rawQuery string, res result, elapsed time.Duration) {
	name := h.upstream.Name
	metrics.RequestsTotal.WithLabelValues(name, res.outcome).Inc()

	log := logging.FromContext(ctx)
	level := slog.LevelInfo
	switch res.outcome {
	case OutcomeRateLimited, OutcomeUpstreamError, OutcomeCircuitOpen:
		level = slog.LevelWarn
	case OutcomeTransportError, OutcomeConfigError:
		level = slog.LevelError
	}
	attrs := []any{
		"upstream", name,
		"path", subPath,
		"outcome", res.outcome,
		"status", res.status,
		"latency_ms", elapsed.Milliseconds(),
	}
	if res.errMsg != "" {
		attrs = append(attrs, "error", res.errMsg)
	}
	log.Log(ctx, level, "proxy request", attrs...)

	entry := requestlog.Entry{
		TraceID:      logging.TraceIDFromContext(ctx),
		Upstream:     name,
		Path:         subPath,
		Query:        rawQuery,
		Outcome:      res.outcome,
		Status:       res.status,
		Cached:       res.cached,
		LatencyMs:    elapsed.Milliseconds(),
		ErrorMessage: res.errMsg,
		CreatedAt:    h.now().UTC(),
	}
	if err := h.logs.Write(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn("request log write failed", "error", err.Error())
	}
}

// wildcardPath returns the decoded chi wildcard. chi matches against
// RawPath when the request carries one, leaving the parameter escaped.
func wildcardPath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return p
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		return decoded
	}
	return p
}

func boolPtr(b bool) *bool { return &b }
