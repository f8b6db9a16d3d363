// Package version provides build version information.
// Version is set at build time via ldflags:
// go build -ldflags "-X github.com/hbridge/hbridge-go/pkg/version.Version=1.0.0"
package version

import "runtime"

// Version is the application version, set at build time.
var Version = "dev"

// Full returns the full version string.
func Full() string {
	return Version
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}
