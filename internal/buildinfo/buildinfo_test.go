package buildinfo

import (
	"strings"
	"testing"
)

func TestShortPrefersVersion(t *testing.T) {
	defer func(v, c, d string) { Version, Commit, Date = v, c, d }(Version, Commit, Date)

	Version, Commit, Date = "v1.2.0", "0123456789abcdef", "2026-01-02"
	if got := Short(); got != "v1.2.0" {
		t.Fatalf("Short() = %q, want v1.2.0", got)
	}
	if got := Long(); got != "rvcore v1.2.0 built 2026-01-02" {
		t.Fatalf("Long() = %q", got)
	}

	Version = "dev"
	if got := Short(); got != "0123456789ab" {
		t.Fatalf("Short() = %q, want the commit prefix", got)
	}
	Date = "unknown"
	if got := Long(); strings.Contains(got, "built") {
		t.Fatalf("Long() = %q, want no date", got)
	}
}
