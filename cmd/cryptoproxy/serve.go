package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	cryptoproxy "github.com/kefren-38/crypto-nitro-proxy"
	"github.com/kefren-38/crypto-nitro-proxy/internal/cache"
	"github.com/kefren-38/crypto-nitro-proxy/internal/circuitbreaker"
	"github.com/kefren-38/crypto-nitro-proxy/internal/logging"
	"github.com/kefren-38/crypto-nitro-proxy/internal/metrics"
	"github.com/kefren-38/crypto-nitro-proxy/internal/ratelimit"
	"github.com/kefren-38/crypto-nitro-proxy/internal/requestlog"
	"github.com/kefren-38/crypto-nitro-proxy/internal/tracing"
	"github.com/kefren-38/crypto-nitro-proxy/internal/upstream"
	"github.com/kefren-38/crypto-nitro-proxy/internal/version"
)

const serviceName = "crypto-nitro-proxy"

// app holds the long-lived components the router is built from.
type app struct {
	cfg       cryptoproxy.Config
	upstreams *upstream.Registry
	client    *upstream.Client
	caches    map[string]cache.Store
	breakers  *circuitbreaker.Set
	limiter   *ratelimit.Store
	logs      *requestlog.SQLWriter
}

// loadConfig resolves the config file (flag, then PROXY_CONFIG), falls back
// to defaults, applies environment overrides and validates the result.
func loadConfig(path string, getenv func(string) string) (cryptoproxy.Config, error) {
	if path == "" {
		path = getenv("PROXY_CONFIG")
	}
	cfg := cryptoproxy.DefaultConfig()
	if path != "" {
		loaded, err := cryptoproxy.LoadConfig(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}
	if err := cryptoproxy.ApplyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	if err := cryptoproxy.ValidateConfig(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newApp wires upstreams, caches and the optional breaker, limiter and
// request log from cfg.
func newApp(cfg cryptoproxy.Config, getenv func(string) string) (*app, error) {
	ups, err := cryptoproxy.BuildUpstreams(cfg, getenv)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		upstreams: upstream.NewRegistry(ups...),
		caches:    make(map[string]cache.Store),
	}
	for _, u := range ups {
		if u.Cached {
			a.caches[u.Name] = cache.NewMemory(cfg.Cache.TTL.Std())
		}
	}

	var clientOpts []upstream.ClientOption
	if cfg.CircuitBreaker.Enabled {
		a.breakers = circuitbreaker.NewSet(circuitbreaker.Settings{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			OpenTimeout:      cfg.CircuitBreaker.OpenTimeout.Std(),
			OnStateChange: func(name string, to circuitbreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				logging.Logger.Warn("circuit breaker state change", "upstream", name, "state", to.String())
			},
		})
		clientOpts = append(clientOpts, upstream.WithBreakers(a.breakers))
	}
	clientOpts = append(clientOpts, upstream.WithUserAgent(serviceName+"/"+version.Short()))
	a.client = upstream.NewClient(cfg.Server.UpstreamTimeout.Std(), clientOpts...)

	if cfg.RateLimit.Enabled {
		a.limiter = ratelimit.NewStore(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	if cfg.RequestLog.Enabled {
		w, err := requestlog.Open(cfg.RequestLog.Driver, cfg.RequestLog.DSN)
		if err != nil {
			return nil, fmt.Errorf("request log: %w", err)
		}
		a.logs = w
	}
	return a, nil
}

// Close releases the request log connection, if any.
func (a *app) Close() error {
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}

func runServe(ctx context.Context, configPath string, getenv func(string) string) error {
	cfg, err := loadConfig(configPath, getenv)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	log := logging.Logger

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: serviceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err.Error())
		}
	}()

	a, err := newApp(cfg, getenv)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("request log close failed", "error", err.Error())
		}
	}()

	for _, u := range cryptoproxy.MissingCredentials(a.upstreamList()) {
		log.Warn("upstream credential missing; requests will fail until it is set",
			"upstream", u.Name, "env", u.APIKeyEnv)
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(a),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.UpstreamTimeout.Std() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err.Error())
		}
	}()

	log.Info("crypto nitro proxy listening",
		"addr", addr,
		"version", version.Short(),
		"upstreams", a.upstreams.List(),
		"cache_ttl", cfg.Cache.TTL.String(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func (a *app) upstreamList() []*upstream.Upstream {
	names := a.upstreams.List()
	out := make([]*upstream.Upstream, 0, len(names))
	for _, name := range names {
		out = append(out, a.upstreams.MustGet(name))
	}
	return out
}
