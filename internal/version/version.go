// Package version reports build information injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
)

// Full returns the version string in the format "release (commit)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with platform information.
func FullWithPlatform() string {
	return fmt.Sprintf("%s (commit: %s, %s/%s, %s)", Release, GitCommit, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// UserAgent identifies armory in outgoing requests.
func UserAgent() string {
	return "armory/" + Release
}
