// Package version holds build-time version information for the cryptoproxy
// binary. The variables are injected via -ldflags:
//
// -X github.com/kefren-38/crypto-nitro-proxy/internal/version.Version=v1.0.0
// -X github.com/kefren-38/crypto-nitro-proxy/internal/version.Commit=abc1234
// -X github.com/kefren-38/crypto-nitro-proxy/internal/version.Date=2026-02-25T00:00:00Z
//
// so local builds without ldflags still produce sensible output.
package version

import "fmt"

// Variables set at link time. Version defaults to the current release line.
var (
	Version = "1.0.0"
	Commit  = "none"
	Date    = "unknown"
)

// String returns a single-line human-readable version string, e.g.:
//
// 1.0.0 (commit abc1234, built 2026-02-25T12:00:00Z)
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns just the version tag, e.g. "1.0.0".
func Short() string {
	return Version
}
