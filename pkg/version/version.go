// Package version carries build information injected through ldflags:
//
//	go build -ldflags "-X codeagent/pkg/version.Version=v0.3.0 -X codeagent/pkg/version.Commit=$(git rev-parse HEAD)"
package version

import (
	"fmt"
	"runtime"
)

//nolint:gochecknoglobals // ldflags targets
var (
	// Version is the semantic version, "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String renders the multi-line banner printed by `codeagent version`.
func String() string {
	return fmt.Sprintf("codeagent %s\n  commit: %s\n  built:  %s\n  go:     %s\n", Version, Commit, Date, runtime.Version())
}
