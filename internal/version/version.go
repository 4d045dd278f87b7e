// Package version provides build-time version information.
package version

import "fmt"

var (
	// Version is the semantic version, set via ldflags.
	Version = "dev"
	// Commit is the short git commit hash, set via ldflags.
	Commit = "unknown"
	// GitTime is the commit timestamp in ISO 8601 UTC format, set via ldflags.
	GitTime = "unknown"
)

// String returns a one-line description of the build, used by --version and the user agent.
func String() string {
	return fmt.Sprintf("notrition/%s (%s, %s)", Version, Commit, GitTime)
}
