package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kefren-38/crypto-nitro-proxy/internal/circuitbreaker"
	"github.com/kefren-38/crypto-nitro-proxy/internal/logging"
	"github.com/kefren-38/crypto-nitro-proxy/internal/metrics"
	"github.com/kefren-38/crypto-nitro-proxy/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds a single upstream call.
	DefaultTimeout = 15 * time.Second
	// DefaultRetryAfter is reported when a 429 carries no usable Retry-After.
	DefaultRetryAfter = 60
	// DefaultUserAgent is sent on every upstream call.
	DefaultUserAgent = "Mozilla/5.0 (compatible; crypto-nitro-proxy)"

	// DefaultMaxBodyBytes caps how much of an upstream body is read.
	DefaultMaxBodyBytes = 16 << 20
)

// ErrResponseTooLarge is returned when an upstream body exceeds the
// client's size limit.
var ErrResponseTooLarge = errors.New("upstream response too large")

// Outcome classifies an upstream HTTP response.
type Outcome string

// Outcomes of a completed upstream call. Transport failures surface as
// errors from Fetch instead.
const (
	OutcomeSuccess       Outcome = "success"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeUpstreamError Outcome = "upstream_error"
)

// Result is a completed upstream response. It is never mutated after Fetch
// returns, so concurrent readers may share it.
type Result struct {
	Status int
	Body   []byte
	// RetryAfter is the parsed Retry-After in seconds; only set on 429.
	RetryAfter int
}

// Outcome classifies the result by status code.
func (r *Result) Outcome() Outcome {
	switch {
	case r.Status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case r.Status >= 200 && r.Status < 300:
		return OutcomeSuccess
	default:
		return OutcomeUpstreamError
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client. Its Timeout is left as is.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBreakers guards each upstream with a circuit breaker from s.
func WithBreakers(s *circuitbreaker.Set) ClientOption {
	return func(c *Client) {
		c.breakers = s
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// Client performs GET requests against upstreams.
type Client struct {
	http      *http.Client
	breakers  *circuitbreaker.Set
	userAgent string
	maxBody   int64
	tracer    trace.Tracer
	now       func() time.Time
}

// NewClient creates a Client whose calls time out after timeout
// (DefaultTimeout when non-positive).
func NewClient(timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: DefaultUserAgent,
		maxBody:   DefaultMaxBodyBytes,
		tracer:    tracing.Tracer(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch issues GET <base>/<subPath>?<rawQuery> with JSON accept and the
// upstream's credential header. subPath must already be normalized with
// Upstream.NormalizePath. A non-nil error means no usable HTTP response was
// obtained (transport failure, timeout, oversized body, open circuit).
func (c *Client) Fetch(ctx context.Context, up *Upstream, subPath, rawQuery string) (*Result, error) {
	target, err := up.URL(subPath, rawQuery)
	if err != nil {
		return nil, err
	}

	var breaker *circuitbreaker.Breaker
	if c.breakers != nil {
		breaker = c.breakers.Get(up.Name)
		if err := breaker.Allow(); err != nil {
			return nil, fmt.Errorf("%s: %w", up.DisplayName, err)
		}
	}
	ctx, span := c.tracer.Start(ctx, "upstream.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.name", up.Name),
			attribute.String("http.request.method", http.MethodGet),
			attribute.String("url.path", subPath),
		),
	)
	defer span.End()

	log := logging.FromContext(ctx)
	log.Debug("upstream request", "upstream", up.Name, "url", target)

	start := c.now()
	res, err := c.do(ctx, up, target)
	elapsed := c.now().Sub(start)
	metrics.UpstreamDuration.WithLabelValues(up.Name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(up.Name, "error").Inc()
		if breaker != nil {
			breaker.RecordFailure()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("upstream request failed", "upstream", up.Name, "latency_ms", elapsed.Milliseconds(), "error", err.Error())
		return nil, err
	}

	metrics.UpstreamRequests.WithLabelValues(up.Name, metrics.StatusClass(res.Status)).Inc()
	if breaker != nil {
		if res.Status >= 500 {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.Status))
	if res.Outcome() != OutcomeSuccess {
		span.SetStatus(codes.Error, http.StatusText(res.Status))
	}
	log.Debug("upstream response", "upstream", up.Name, "status", res.Status, "latency_ms", elapsed.Milliseconds())
	return res, nil
}

func (c *Client) do(ctx context.Context, up *Upstream, target string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", up.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range up.AuthHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", up.Name, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: %s body exceeds %d bytes", ErrResponseTooLarge, up.DisplayName, c.maxBody)
	}

	res := &Result{Status: resp.StatusCode, Body: body}
	if resp.StatusCode == http.StatusTooManyRequests {
		res.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	}
	return res, nil
}

// ParseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date. Missing or unparsable values yield DefaultRetryAfter.
func ParseRetryAfter(value string, now time.Time) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return secs
	}
	if at, err := http.ParseTime(value); err == nil {
		secs := int(math.Ceil(at.Sub(now).Seconds()))
		if secs < 0 {
			return 0
		}
		return secs
	}
	return DefaultRetryAfter
}
