// Package version holds build metadata set via -ldflags, e.g.
//
//	go build -ldflags "-X factcache/internal/version.Version=v1.2.0"
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("factcache %s (commit %s, built %s)", Version, Commit, Date)
}
