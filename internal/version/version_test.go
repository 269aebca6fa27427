package version

import "testing"

func TestString(t *testing.T) {
	Version, Commit, Date = "v1.2.3", "abc1234", "2026-02-25T00:00:00Z"
	t.Cleanup(func() { Version, Commit, Date = "1.0.0", "none", "unknown" })

	want := "v1.2.3 (commit abc1234, built 2026-02-25T00:00:00Z)"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if Short() != "v1.2.3" {
		t.Errorf("Short() = %q", Short())
	}
}
