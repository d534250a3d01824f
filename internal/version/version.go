// Package version carries build identification for the codev binaries.
// The variables are overridden at build time:
//
//	go build -ldflags "-X github.com/cluesmith/codev/internal/version.Version=v0.2.0 \
//	  -X github.com/cluesmith/codev/internal/version.Commit=$(git rev-parse HEAD)"
package version

import "fmt"

// Version is the release tag, "dev" for local builds.
var Version = "dev"

// Commit is the full git commit hash the binary was built from.
var Commit = ""

// ShortCommit truncates a commit hash to 12 characters for display.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// String formats the version for --version output.
func String() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, ShortCommit(Commit))
}
