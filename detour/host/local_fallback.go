//go:build !linux && !windows

package host

// Local has no implementation on this platform; callers must supply their
// own Host.
func Local() (Host, error) {
	return nil, ErrUnsupported
}
