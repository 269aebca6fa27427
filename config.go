package cryptoproxy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Config holds the configuration for the proxy. Every field has a working
// default (see DefaultConfig); a config file only needs the overrides.
type Config struct {
	Server         ServerConfig         `json:"server" yaml:"server"`
	Cache          CacheConfig          `json:"cache" yaml:"cache"`
	Upstreams      []UpstreamConfig     `json:"upstreams,omitempty" yaml:"upstreams,omitempty"`
	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RequestLog     RequestLogConfig     `json:"request_log" yaml:"request_log"`
	Tracing        TracingConfig        `json:"tracing" yaml:"tracing"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Admin          AdminConfig          `json:"admin" yaml:"admin"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `json:"port" yaml:"port"`
	// CORSOrigins restricts Access-Control-Allow-Origin. Empty allows any origin.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	// UpstreamTimeout bounds every outbound call.
	UpstreamTimeout Duration `json:"upstream_timeout" yaml:"upstream_timeout"`
}

// CacheConfig configures the response cache on cached upstreams.
type CacheConfig struct {
	TTL Duration `json:"ttl" yaml:"ttl"`
	// CoalesceMisses shares one upstream call between concurrent misses
	// for the same key.
	CoalesceMisses bool `json:"coalesce_misses" yaml:"coalesce_misses"`
}

// UpstreamConfig overrides a built-in upstream (binance, coingecko,
// coinmarketcap). Empty fields keep the built-in value.
type UpstreamConfig struct {
	Name      string `json:"name" yaml:"name"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
}

// RateLimitConfig configures the inbound per-IP limiter.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             float64 `json:"burst" yaml:"burst"`
}

// CircuitBreakerConfig configures per-upstream circuit breakers.
type CircuitBreakerConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold"`
	OpenTimeout      Duration `json:"open_timeout" yaml:"open_timeout"`
}

// RequestLogConfig configures the persisted request audit log.
type RequestLogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"` // sqlite | postgres
	DSN     string `json:"dsn" yaml:"dsn"`
}

// TracingConfig selects the OpenTelemetry span exporter.
type TracingConfig struct {
	Exporter string `json:"exporter" yaml:"exporter"` // none | stdout | otlp
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json | text
}

// AdminConfig configures the /admin routes. They are only mounted when a
// token is set.
type AdminConfig struct {
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            3000,
			UpstreamTimeout: Duration(15 * time.Second),
		},
		Cache: CacheConfig{
			TTL: Duration(10 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			OpenTimeout:      Duration(30 * time.Second),
		},
		RequestLog: RequestLogConfig{
			Driver: "sqlite",
			DSN:    "cryptoproxy-requests.db",
		},
		Tracing: TracingConfig{Exporter: "none"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Duration is a time.Duration that reads "10m"-style strings or integer
// seconds. LoadConfig converts YAML to JSON before decoding, so
// UnmarshalJSON covers both formats.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs int64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string or integer seconds: %s", b)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
