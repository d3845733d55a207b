//go:build arm64

package arch

// Native returns the pack for the build target.
func Native() Pack { return ARM64() }
