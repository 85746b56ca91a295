// Package version reports the build stamped into the importer binary
package version

import "fmt"

// BuildInfo holds version information about the build
type BuildInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Set with -ldflags "-X 'adlake/internal/core/version.version=v0.3.0'
// -X 'adlake/internal/core/version.commit=abcd' -X 'adlake/internal/core/version.date=2026-10-01'"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Info returns the build information
func Info() BuildInfo {
	return BuildInfo{
		Service: "adlake-import",
		Version: version,
		Commit:  commit,
		Date:    date,
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s %s (%s, %s)", b.Service, b.Version, b.Commit, b.Date)
}
