package cryptoproxy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kefren-38/crypto-nitro-proxy/internal/upstream"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var configSchemaJSON string

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("config.schema.json", configSchemaJSON)
})

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). The document is
// checked against the embedded JSON schema and decoded over DefaultConfig,
// so omitted fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var doc interface{}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	// Both formats go through JSON so the schema and the decoder see the
	// same value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalizing config: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

func validateSchema(raw []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.UpstreamTimeout <= 0 {
		return fmt.Errorf("server.upstream_timeout must be positive")
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}

	seen := make(map[string]bool, len(cfg.Upstreams))
	known := make(map[string]bool)
	for _, u := range upstream.Defaults() {
		known[u.Name] = true
	}
	for _, u := range cfg.Upstreams {
		if !known[u.Name] {
			return fmt.Errorf("%w: %q", upstream.ErrUnknownUpstream, u.Name)
		}
		if seen[u.Name] {
			return fmt.Errorf("upstream %q configured twice", u.Name)
		}
		seen[u.Name] = true
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if cfg.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureThreshold < 1 || cfg.CircuitBreaker.SuccessThreshold < 1 {
			return fmt.Errorf("circuit_breaker thresholds must be at least 1")
		}
		if cfg.CircuitBreaker.OpenTimeout <= 0 {
			return fmt.Errorf("circuit_breaker.open_timeout must be positive")
		}
	}

	if cfg.RequestLog.Enabled {
		switch cfg.RequestLog.Driver {
		case "sqlite":
		case "postgres":
			if cfg.RequestLog.DSN == "" {
				return fmt.Errorf("request_log.dsn is required for postgres")
			}
		default:
			return fmt.Errorf("unknown request_log.driver: %q", cfg.RequestLog.Driver)
		}
	}

	switch cfg.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing.exporter: %q", cfg.Tracing.Exporter)
	}

	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown logging.format: %q", cfg.Logging.Format)
	}

	return nil
}

// ApplyEnv overrides cfg from environment variables: PORT, CORS_ORIGINS
// (comma separated), CACHE_TTL, ADMIN_TOKEN, LOG_LEVEL and LOG_FORMAT.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.CORSOrigins = origins
	}
	if v := getenv("CACHE_TTL"); v != "" {
		ttl, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL: %w", err)
		}
		cfg.Cache.TTL = ttl
	}
	if v := getenv("ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

// BuildUpstreams returns the built-in upstreams with cfg's overrides applied
// and API keys read through getenv. A missing key is not an error; the
// handler reports it per request.
func BuildUpstreams(cfg Config, getenv func(string) string) ([]*upstream.Upstream, error) {
	ups := upstream.Defaults()
	byName := make(map[string]*upstream.Upstream, len(ups))
	for _, u := range ups {
		byName[u.Name] = u
	}

	for _, o := range cfg.Upstreams {
		u, ok := byName[o.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", upstream.ErrUnknownUpstream, o.Name)
		}
		if o.BaseURL != "" {
			u.BaseURL = strings.TrimRight(o.BaseURL, "/")
		}
		if o.APIKeyEnv != "" {
			u.APIKeyEnv = o.APIKeyEnv
		}
	}

	for _, u := range ups {
		if u.APIKeyEnv != "" {
			u.APIKey = strings.TrimSpace(getenv(u.APIKeyEnv))
		}
	}
	return ups, nil
}

// MissingCredentials lists upstreams that require a key but have none.
func MissingCredentials(ups []*upstream.Upstream) []*upstream.Upstream {
	var missing []*upstream.Upstream
	for _, u := range ups {
		if errors.Is(u.CheckCredential(), upstream.ErrMissingCredential) {
			missing = append(missing, u)
		}
	}
	return missing
}
