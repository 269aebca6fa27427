// Package upstream describes the market-data APIs the proxy relays to and
// provides the HTTP client that calls them and classifies their responses.
package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Upstream names used in routes, metrics and logs.
const (
	Binance       = "binance"
	CoinGecko     = "coingecko"
	CoinMarketCap = "coinmarketcap"
)

// ErrMissingCredential is returned when an upstream requires an API key
// that was not configured.
var ErrMissingCredential = errors.New("upstream credential not configured")

// ErrUnknownUpstream is returned for names that are not one of the built-in
// upstreams.
var ErrUnknownUpstream = errors.New("unknown upstream")

// Upstream is a single relay target.
type Upstream struct {
	// Name is the route segment, e.g. "coinmarketcap".
	Name string
	// DisplayName is used in client-facing messages.
	DisplayName string
	// BaseURL is the API root, version segment included (no trailing slash).
	BaseURL string

	APIKey       string
	APIKeyHeader string
	// APIKeyEnv names the environment variable the key is read from. It is
	// reported to callers when the key is missing.
	APIKeyEnv  string
	RequireKey bool

	// Cached marks upstreams whose successful responses go through the TTL cache.
	Cached bool
	// MapRateLimit surfaces upstream 429s with a retryAfter hint instead of
	// relaying them as plain errors.
	MapRateLimit bool
	// StripVersionPrefix drops a leading version segment from sub-paths when
	// BaseURL already ends in it.
	StripVersionPrefix bool
}

// CheckCredential reports ErrMissingCredential when the upstream needs a key
// and none is set.
func (u *Upstream) CheckCredential() error {
	if u.RequireKey && u.APIKey == "" {
		return ErrMissingCredential
	}
	return nil
}

// AuthHeaders returns the headers that authenticate requests to the upstream.
func (u *Upstream) AuthHeaders() map[string]string {
	if u.APIKey == "" || u.APIKeyHeader == "" {
		return nil
	}
	return map[string]string{u.APIKeyHeader: u.APIKey}
}

// NormalizePath trims leading slashes from subPath and, when enabled, drops a
// version segment that duplicates the last segment of BaseURL
// ("v1/cryptocurrency/map" against ".../v1" becomes "cryptocurrency/map").
func (u *Upstream) NormalizePath(subPath string) string {
	subPath = strings.TrimLeft(subPath, "/")
	if !u.StripVersionPrefix {
		return subPath
	}
	version := u.versionSegment()
	if version == "" {
		return subPath
	}
	if subPath == version {
		return ""
	}
	return strings.TrimPrefix(subPath, version+"/")
}

func (u *Upstream) versionSegment() string {
	parsed, err := url.Parse(u.BaseURL)
	if err != nil {
		return ""
	}
	last := path.Base(strings.TrimRight(parsed.Path, "/"))
	if len(last) < 2 || last[0] != 'v' {
		return ""
	}
	for _, r := range last[1:] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return last
}

// EscapePath percent-encodes a decoded sub-path so that "?" and "#" stay
// part of the path.
func EscapePath(subPath string) string {
	return (&url.URL{Path: subPath}).EscapedPath()
}

// URL joins BaseURL, an already normalized sub-path and the raw query
// string. subPath is decoded; it is escaped here and never re-normalized.
func (u *Upstream) URL(subPath, rawQuery string) (string, error) {
	base, err := url.Parse(u.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL for %s: %w", u.Name, err)
	}
	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + "/" + subPath
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return target.String(), nil
}

// Defaults returns the three upstreams the proxy ships with. The
// CoinMarketCap key is left empty for the caller to fill from the environment.
func Defaults() []*Upstream {
	return []*Upstream{
		{
			Name:               Binance,
			DisplayName:        "Binance",
			BaseURL:            "https://api.binance.com/api/v3",
			StripVersionPrefix: true,
		},
		{
			Name:               CoinGecko,
			DisplayName:        "CoinGecko",
			BaseURL:            "https://api.coingecko.com/api/v3",
			MapRateLimit:       true,
			StripVersionPrefix: true,
		},
		{
			Name:               CoinMarketCap,
			DisplayName:        "CoinMarketCap",
			BaseURL:            "https://pro-api.coinmarketcap.com/v1",
			APIKeyHeader:       "X-CMC_PRO_API_KEY",
			APIKeyEnv:          "COINMARKETCAP_API_KEY",
			RequireKey:         true,
			Cached:             true,
			MapRateLimit:       true,
			StripVersionPrefix: true,
		},
	}
}
