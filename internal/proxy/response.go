package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// TimestampLayout renders timestamps as UTC ISO-8601 with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the JSON body of every proxied response.
type Envelope struct {
	Success    bool            `json:"success"`
	Source     string          `json:"source,omitempty"`
	Cached     *bool           `json:"cached,omitempty"`
	CacheAge   *int64          `json:"cacheAge,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Status     int             `json:"status,omitempty"`
	Details    string          `json:"details,omitempty"`
	RetryAfter *int            `json:"retryAfter,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  string          `json:"timestamp"`
}

// FormatTimestamp formats t with TimestampLayout in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	if env.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*env.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
