// Package buildinfo carries version metadata injected at link time:
//
//	-X 'github.com/m3rciful/pushgrab/core/buildinfo.Version=v1.2.3'
//	-X 'github.com/m3rciful/pushgrab/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/pushgrab/core/buildinfo.Date=2025-08-30T12:00:00Z'
package buildinfo

import "fmt"

// Defaults are useful for local dev.
var (
	// Version reports the semantic version or tag of the build.
	Version = "dev"
	// Commit reports the source control commit used for the build.
	Commit = "local"
	// Date reports the build timestamp in RFC3339 format.
	Date = ""
)

// String renders the metadata on one line.
func String() string {
	date := Date
	if date == "" {
		date = "unknown"
	}
	return fmt.Sprintf("pushgrab %s (commit %s, built %s)", Version, Commit, date)
}
