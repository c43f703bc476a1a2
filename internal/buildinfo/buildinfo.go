// Package buildinfo carries the build identity shown in the boot banner, the
// window title and trace resources.
package buildinfo

import "runtime/debug"

// Set at build time with -ldflags "-X rvcore/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the release version, else the commit, else "dev". Without
// ldflags the commit comes from the VCS stamp of the main module.
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if c := commit(); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		return c
	}
	return "dev"
}

// Long describes the build in one line.
func Long() string {
	s := "rvcore " + Short()
	if Date != "" && Date != "unknown" {
		s += " built " + Date
	}
	return s
}

func commit() string {
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
