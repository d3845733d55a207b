//go:build amd64

package arch

// Native returns the pack for the build target.
func Native() Pack { return X64() }
