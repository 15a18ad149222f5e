// Package version holds build metadata set through -ldflags.
package version

import "fmt"

// These are populated at build time, e.g.
// -ldflags "-X github.com/RegistryAccord/registryaccord-editorial-go/internal/version.Version=v1.2.0"
var (
	Version    = "devel"
	CommitHash = "unknown"
)

func GetVersionString() string {
	if CommitHash == "unknown" {
		return Version
	}
	return fmt.Sprintf("%s (commit %s)", Version, CommitHash)
}
