// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/miravisor/slotsync/internal/version.Version=1.0.0 \
//	                   -X github.com/miravisor/slotsync/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/miravisor/slotsync/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "runtime"

// Build-time variables (set via ldflags)
var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"

	// Commit is the git commit hash (short form)
	Commit = "unknown"

	// BuildTime is the UTC build timestamp (ISO 8601)
	BuildTime = "unknown"
)

// Info is the version report printed by the CLI and logged at startup.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// UserAgent identifies this client on handshakes and REST calls.
func UserAgent() string {
	return "slotsync/" + Version
}

// String returns a formatted version string.
func String() string {
	return "slotsync " + Version + " (" + Commit + ") built " + BuildTime
}
