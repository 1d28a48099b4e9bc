// Package version holds build metadata injected at link time.
package version

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/quantpipe/streamfeed/internal/version.Version=v0.3.0 \
//	                   -X github.com/quantpipe/streamfeed/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	// Version is the semantic version of this build.
	Version = "dev"

	// Commit is the git commit hash of this build.
	Commit = "unknown"
)
