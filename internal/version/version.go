// Package version exposes the courier build version.
package version

// Version is overridden at build time via -ldflags.
var Version = "0.3.0-dev"

func String() string {
	return Version
}
