// Package buildinfo exposes compile-time metadata printed by `handoff --version`.
package buildinfo

// Overridden via ldflags in release builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)
