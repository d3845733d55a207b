//go:build 386

package arch

// Native returns the pack for the build target.
func Native() Pack { return X86() }
