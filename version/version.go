// Package version holds build metadata injected at link time.
package version

import "runtime"

// Set via -ldflags "-X github.com/lectern-ai/lectern/version.GitRelease=..."
var (
	GitRelease    = "dev"
	GitCommit     = "unknown"
	GitCommitDate = "unknown"
	GoInfo        = runtime.Version()
)
