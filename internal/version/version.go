// Package version carries the build version string.
package version

// VersionTag is overridden at build time via
// -ldflags "-X .../internal/version.VersionTag=v1.2.3".
var VersionTag = "dev"
