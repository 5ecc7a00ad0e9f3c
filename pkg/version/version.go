// Package version holds build information. Values are meant to be set at
// build time via -ldflags "-X".
package version

var (
	// Version is the release version of this build.
	Version = "v0.0.0-dev"
	// GitCommit is the short commit hash this build comes from.
	GitCommit = "unknown"
)
