//go:build !amd64 && !386 && !arm && !arm64

package arch

// Native returns nil on instruction sets without a pack; the engine then
// requires an explicit pack to be configured.
func Native() Pack { return nil }
