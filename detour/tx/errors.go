package tx

import "errors"

var (
	// ErrInvalidOperation indicates no open transaction, a transaction
	// owned by another thread, or a second concurrent begin.
	ErrInvalidOperation = errors.New("detour: invalid operation")

	// ErrInvalidParameter indicates a null detour or a detour that resolves
	// to its own target.
	ErrInvalidParameter = errors.New("detour: invalid parameter")

	// ErrInvalidHandle indicates a nil or empty function-pointer slot.
	ErrInvalidHandle = errors.New("detour: invalid handle")

	// ErrInvalidBlock indicates a detach whose pointer does not lead into a
	// live trampoline, or whose detour does not match the attached one.
	ErrInvalidBlock = errors.New("detour: invalid block")

	// ErrInsufficientResources indicates a trampoline-region or
	// writable-alias allocation failure.
	ErrInsufficientResources = errors.New("detour: insufficient resources")

	// ErrOutOfMemory indicates a target prefix too short to displace or a
	// relocated prefix that overflows the trampoline.
	ErrOutOfMemory = errors.New("detour: out of memory")
)
