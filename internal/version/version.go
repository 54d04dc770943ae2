package version

import "fmt"

// Set at build time with -ldflags "-X .../internal/version.Version=...".
var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build identity for -version and the startup log line.
func String() string {
	return fmt.Sprintf("tablepick %s (%s, built %s)", Version, GitSHA, BuildTime)
}
