package host

import "errors"

var (
	// ErrUnsupported indicates that no local host exists for this platform.
	ErrUnsupported = errors.New("host: platform not supported")

	// ErrNoMemory indicates a page or alias allocation failure.
	ErrNoMemory = errors.New("host: cannot allocate pages")

	// ErrOutOfRange indicates that no page could be placed inside the
	// requested address window.
	ErrOutOfRange = errors.New("host: no pages available in range")
)

// Pages is one page-sized allocation of executable memory.
type Pages interface {
	// Base returns the page-aligned start address.
	Base() uintptr

	// Size returns the allocation size in bytes.
	Size() int

	// Protect flips the pages between execute+read+write (writable=true)
	// and execute+read.
	Protect(writable bool) error

	// Free releases the pages. The address must not be used afterwards.
	Free() error
}

// Mapping is a writable alias of a range of target code. Writes through the
// alias land in the target bytes without the target's own mapping ever
// becoming writable.
type Mapping interface {
	// Write copies p into the aliased range starting at byte offset off.
	Write(off int, p []byte) error

	// Unmap releases the alias.
	Unmap() error
}

// Host supplies every environment primitive the engine needs.
type Host interface {
	// PageSize returns the system page size.
	PageSize() int

	// AllocPages allocates size bytes of page-aligned executable memory,
	// placed inside [lo, hi] when possible. Implementations return
	// ErrOutOfRange when they cannot honor the window.
	AllocPages(size int, lo, hi uintptr) (Pages, error)

	// Remap creates a writable alias covering [addr, addr+length).
	Remap(addr uintptr, length int) (Mapping, error)

	// ProbeRead copies len(buf) bytes from addr into buf, returning false
	// instead of faulting when the range is not readable.
	ProbeRead(addr uintptr, buf []byte) bool

	// ModuleBase returns the allocation base of the loaded module
	// containing addr, when the platform has such a notion.
	ModuleBase(addr uintptr) (uintptr, bool)

	// CurrentThreadID identifies the calling thread; never 0.
	CurrentThreadID() uint32

	// ActiveProcessors returns the number of schedulable processors.
	ActiveProcessors() int

	// Rendezvous runs fn once on every processor concurrently and returns
	// after all invocations complete. fn receives the processor index.
	Rendezvous(fn func(cpu int))

	// FlushInstructionCache invalidates the instruction cache for
	// [addr, addr+length) on ISAs that require it.
	FlushInstructionCache(addr uintptr, length int)

	// Yield hints the processor to relax inside spin loops.
	Yield()
}
