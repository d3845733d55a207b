package tx

import (
	"sync/atomic"

	"github.com/joshuapare/detourkit/detour/alloc"
	"github.com/joshuapare/detourkit/detour/arch"
	"github.com/joshuapare/detourkit/detour/host"
	"github.com/joshuapare/detourkit/detour/insn"
	"github.com/joshuapare/detourkit/internal/winpe"
)

// operation is one pending attach or detach on the transaction's work list.
type operation struct {
	remove  bool
	slotPtr *uintptr     // the caller's function-pointer cell
	target  uintptr      // first byte of the target's body
	alias   host.Mapping // writable alias over the overwrite window
	tramp   *alloc.Slot
	patch   []byte // pre-baked bytes the rendezvous writes at the target
}

// Engine holds one process-wide transaction context.
//
// Transactions are single-writer: ownership is claimed by a compare-and-swap
// on the owning thread id, and every transacted call must come from the
// owning thread. Readers of patched code run concurrently everywhere; their
// consistency is guaranteed by the commit rendezvous, not by locks.
type Engine struct {
	h      host.Host
	pack   arch.Pack
	copier insn.Copier
	prober arch.ImportProber
	alloc  *alloc.Allocator

	owner  atomic.Uint32 // owning thread id, 0 = none
	err    error         // latched first error
	errArg *uintptr      // the user argument that triggered err
	ops    []*operation  // applied in recorded order

	ignoreTooSmall bool
	retainRegions  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithHost replaces the host primitives.
func WithHost(h host.Host) Option { return func(e *Engine) { e.h = h } }

// WithPack replaces the instruction-set pack.
func WithPack(p arch.Pack) Option { return func(e *Engine) { e.pack = p } }

// WithCopier replaces the instruction copier.
func WithCopier(c insn.Copier) Option { return func(e *Engine) { e.copier = c } }

// WithProber replaces the import-table prober.
func WithProber(p arch.ImportProber) Option { return func(e *Engine) { e.prober = p } }

// New creates an engine. Without options it binds the local host, the
// native pack, and the native copier.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.h == nil {
		h, err := host.Local()
		if err != nil {
			return nil, err
		}
		e.h = h
	}
	if e.pack == nil {
		e.pack = arch.Native()
	}
	if e.pack == nil {
		return nil, ErrInvalidParameter
	}
	if e.copier == nil {
		e.copier = insn.Native(e.pack.Name())
	}
	if e.copier == nil {
		return nil, ErrInvalidParameter
	}
	if e.prober == nil {
		e.prober = &winpe.Prober{Mem: e.h}
	}
	e.alloc = alloc.New(e.h, e.pack)
	return e, nil
}

// CodeFromPointer resolves a function pointer to the body it ultimately
// runs: import thunks and patch stubs are skipped.
func (e *Engine) CodeFromPointer(p uintptr) uintptr {
	return e.pack.SkipJump(p, e.prober)
}

// SetIgnoreTooSmall makes undersized targets silent no-ops instead of
// transaction failures. Returns the previous value.
func (e *Engine) SetIgnoreTooSmall(v bool) bool {
	prev := e.ignoreTooSmall
	e.ignoreTooSmall = v
	return prev
}

// SetRetainRegions keeps empty trampoline regions alive across commits.
// Returns the previous value.
func (e *Engine) SetRetainRegions(v bool) bool {
	prev := e.retainRegions
	e.retainRegions = v
	return prev
}

// SetSystemRegionLowerBound moves the lower edge of the address range
// trampolines must avoid. Returns the previous value.
func (e *Engine) SetSystemRegionLowerBound(p uintptr) uintptr {
	return e.alloc.SetSystemRegionLowerBound(p)
}

// SetSystemRegionUpperBound moves the upper edge of the address range
// trampolines must avoid. Returns the previous value.
func (e *Engine) SetSystemRegionUpperBound(p uintptr) uintptr {
	return e.alloc.SetSystemRegionUpperBound(p)
}

// TransactionBegin opens a transaction owned by the calling thread. Only
// one transaction exists at a time; a second begin fails with
// ErrInvalidOperation. Trampoline regions become writable for the duration.
func (e *Engine) TransactionBegin() error {
	if !e.owner.CompareAndSwap(0, e.h.CurrentThreadID()) {
		return ErrInvalidOperation
	}
	e.ops = nil
	e.errArg = nil
	e.err = nil
	if err := e.alloc.SetWritable(); err != nil {
		e.err = ErrInsufficientResources
	}
	return e.err
}

// TransactionAbort rolls the open transaction back: pending trampolines are
// freed, writable aliases released, and no target byte is touched.
func (e *Engine) TransactionAbort() error {
	if e.owner.Load() != e.h.CurrentThreadID() {
		return ErrInvalidOperation
	}
	for _, o := range e.ops {
		if o.alias != nil {
			_ = o.alias.Unmap()
		}
		if !o.remove && o.tramp != nil {
			_ = e.alloc.Free(o.tramp)
		}
	}
	e.ops = nil
	e.alloc.SetExecutable()
	e.owner.Store(0)
	return nil
}

// TransactionCommit applies every pending operation atomically. See
// TransactionCommitEx.
func (e *Engine) TransactionCommit() error {
	_, err := e.TransactionCommitEx()
	return err
}

// TransactionCommitEx commits the open transaction. On failure it returns
// the latched error together with the user argument that caused it, after
// aborting the whole batch.
//
// All patches are written from inside a single processor rendezvous: every
// other processor is held at the rendezvous point while the issuing
// processor stores the new bytes, so no processor can observe a
// half-patched target or a partially applied batch.
func (e *Engine) TransactionCommitEx() (*uintptr, error) {
	if e.owner.Load() != e.h.CurrentThreadID() {
		return e.errArg, ErrInvalidOperation
	}
	if e.err != nil {
		failed := e.errArg
		err := e.err
		_ = e.TransactionAbort()
		return failed, err
	}

	e.rendezvousApply()

	freed := false
	for _, o := range e.ops {
		if o.alias != nil {
			_ = o.alias.Unmap()
		}
		if o.remove && o.tramp != nil {
			_ = e.alloc.Free(o.tramp)
			freed = true
		}
	}
	e.ops = nil

	if freed && !e.retainRegions {
		e.alloc.FreeEmptyRegions()
	}
	e.alloc.SetExecutable()
	e.owner.Store(0)
	return nil, nil
}

// UpdateThread exists for API parity with user-mode ports. Kernel threads
// are not suspended: the rendezvous already quiesces every processor.
func (e *Engine) UpdateThread(thread uintptr) error {
	if e.err != nil {
		return e.err
	}
	return nil
}

// fail latches the transaction's first error and remembers the argument
// that triggered it.
func (e *Engine) fail(err error, arg *uintptr) error {
	e.err = err
	e.errArg = arg
	return err
}
