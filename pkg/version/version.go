package version

import "fmt"

var (
	// GitVersion is the git version of the build. It is set by the linker.
	GitVersion = "unknown"
	// GitCommit is the git commit hash of the build. It is set by the linker.
	GitCommit = "unknown"
)

// String renders the build identity for --version and the training banner.
func String() string {
	return fmt.Sprintf("%s (commit %s)", GitVersion, GitCommit)
}
