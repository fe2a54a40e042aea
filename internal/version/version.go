// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set at build time using -ldflags
var (
	// Version is the semantic version
	Version = "0.1.0"

	// BuildTime is the UTC time when the binary was built
	BuildTime = "unknown"

	// GitCommit is the git commit hash
	GitCommit = "unknown"
)

// Commit returns GitCommit, falling back to the VCS revision stamped by the
// go tool when no ldflags were given.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	return GitCommit
}

// String returns a one-line description for the version command.
func String() string {
	return fmt.Sprintf("xtal-refine %s (commit %s, built %s, %s %s/%s)",
		Version, Commit(), BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
