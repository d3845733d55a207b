package detours

import (
	"sync"

	"github.com/joshuapare/detourkit/detour/alloc"
	"github.com/joshuapare/detourkit/detour/tx"
)

// Status codes surfaced by the entry points.
var (
	ErrInvalidOperation      = tx.ErrInvalidOperation
	ErrInvalidParameter      = tx.ErrInvalidParameter
	ErrInvalidHandle         = tx.ErrInvalidHandle
	ErrInvalidBlock          = tx.ErrInvalidBlock
	ErrInsufficientResources = tx.ErrInsufficientResources
	ErrOutOfMemory           = tx.ErrOutOfMemory
)

var (
	mu        sync.Mutex
	engine    *tx.Engine
	engineErr error
)

// Use binds the entry points to a custom-configured engine. Passing nil
// reverts to the default engine on next use.
func Use(e *tx.Engine) {
	mu.Lock()
	defer mu.Unlock()
	engine = e
	engineErr = nil
}

func get() (*tx.Engine, error) {
	mu.Lock()
	defer mu.Unlock()
	if engine == nil && engineErr == nil {
		engine, engineErr = tx.New()
	}
	return engine, engineErr
}

// TransactionBegin opens the process-wide transaction on the calling
// thread.
func TransactionBegin() error {
	e, err := get()
	if err != nil {
		return err
	}
	return e.TransactionBegin()
}

// TransactionAbort rolls back the open transaction without touching any
// target.
func TransactionAbort() error {
	e, err := get()
	if err != nil {
		return err
	}
	return e.TransactionAbort()
}

// TransactionCommit applies every pending attach and detach atomically.
func TransactionCommit() error {
	e, err := get()
	if err != nil {
		return err
	}
	return e.TransactionCommit()
}

// TransactionCommitEx is TransactionCommit returning, on failure, the user
// argument whose operation poisoned the transaction.
func TransactionCommitEx() (*uintptr, error) {
	e, err := get()
	if err != nil {
		return nil, err
	}
	return e.TransactionCommitEx()
}

// Attach records a pending detour of *slotPtr into detour.
func Attach(slotPtr *uintptr, detour uintptr) error {
	e, err := get()
	if err != nil {
		return err
	}
	return e.Attach(slotPtr, detour)
}

// AttachEx is Attach returning the trampoline and the resolved target and
// detour entry points.
func AttachEx(slotPtr *uintptr, detour uintptr) (*alloc.Slot, uintptr, uintptr, error) {
	e, err := get()
	if err != nil {
		return nil, 0, 0, err
	}
	return e.AttachEx(slotPtr, detour)
}

// Detach records a pending removal of a previously committed detour.
func Detach(slotPtr *uintptr, detour uintptr) error {
	e, err := get()
	if err != nil {
		return err
	}
	return e.Detach(slotPtr, detour)
}

// UpdateThread exists for API parity; the kernel-style core quiesces
// processors at commit instead of suspending threads.
func UpdateThread(thread uintptr) error {
	e, err := get()
	if err != nil {
		return err
	}
	return e.UpdateThread(thread)
}

// CodeFromPointer resolves an imported-function pointer or patch stub to
// the true body entry point. The second result exists for parity with
// ISAs that carry a globals pointer alongside code addresses; it is always
// zero here.
func CodeFromPointer(p uintptr) (code, globals uintptr) {
	e, err := get()
	if err != nil {
		return p, 0
	}
	return e.CodeFromPointer(p), 0
}

// SetIgnoreTooSmall turns undersized targets into silent no-ops rather than
// transaction failures. Returns the previous value.
func SetIgnoreTooSmall(v bool) bool {
	e, err := get()
	if err != nil {
		return false
	}
	return e.SetIgnoreTooSmall(v)
}

// SetRetainRegions keeps empty trampoline regions across commits. Returns
// the previous value.
func SetRetainRegions(v bool) bool {
	e, err := get()
	if err != nil {
		return false
	}
	return e.SetRetainRegions(v)
}

// SetSystemRegionLowerBound moves the lower edge of the address range
// trampolines must avoid. Returns the previous value.
func SetSystemRegionLowerBound(p uintptr) uintptr {
	e, err := get()
	if err != nil {
		return 0
	}
	return e.SetSystemRegionLowerBound(p)
}

// SetSystemRegionUpperBound moves the upper edge of the address range
// trampolines must avoid. Returns the previous value.
func SetSystemRegionUpperBound(p uintptr) uintptr {
	e, err := get()
	if err != nil {
		return 0
	}
	return e.SetSystemRegionUpperBound(p)
}
