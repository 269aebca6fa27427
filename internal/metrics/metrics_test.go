package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, upstream, result string) float64 {
	t.Helper()
	var m dto.Metric
	if err := CacheLookups.WithLabelValues(upstream, result).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCacheLookupsCounter(t *testing.T) {
	before := counterValue(t, "test-upstream", "hit")
	CacheLookups.WithLabelValues("test-upstream", "hit").Inc()
	if got := counterValue(t, "test-upstream", "hit"); got != before+1 {
		t.Errorf("counter = %v, want %v", got, before+1)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		429: "4xx",
		500: "5xx",
		503: "5xx",
		100: "1xx",
	}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Errorf("StatusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
