package common

import (
	"fmt"
	"os"
	"strings"
)

// Version information (set via -ldflags during build)
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the current version string
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetFullVersion returns version with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// ApplyVersionOverride replaces the compiled-in version when APP_VERSION is set.
// Deployments stamp the running release through the environment.
func ApplyVersionOverride() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		Version = v
	}
	return Version
}
