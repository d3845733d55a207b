package tx

import (
	"errors"

	"github.com/joshuapare/detourkit/detour/alloc"
	"github.com/joshuapare/detourkit/internal/mem"
)

// Attach redirects the function pointed to by *slotPtr into detour. The
// patch itself happens at commit; until then the target is untouched.
func (e *Engine) Attach(slotPtr *uintptr, detour uintptr) error {
	_, _, _, err := e.AttachEx(slotPtr, detour)
	return err
}

// AttachEx is Attach returning the real trampoline, the resolved target,
// and the resolved detour.
func (e *Engine) AttachEx(slotPtr *uintptr, detour uintptr) (*alloc.Slot, uintptr, uintptr, error) {
	if detour == 0 {
		return nil, 0, 0, ErrInvalidParameter
	}
	if e.owner.Load() != e.h.CurrentThreadID() {
		return nil, 0, 0, ErrInvalidOperation
	}
	if e.err != nil {
		return nil, 0, 0, e.err
	}
	if slotPtr == nil {
		return nil, 0, 0, ErrInvalidHandle
	}
	if *slotPtr == 0 {
		return nil, 0, 0, e.fail(ErrInvalidHandle, slotPtr)
	}

	target := e.CodeFromPointer(*slotPtr)
	detour = e.CodeFromPointer(detour)

	// A detour that is only a jump thunk to the target resolves to the
	// target itself; attaching it would loop forever.
	if detour == target {
		if e.ignoreTooSmall {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, e.fail(ErrInvalidParameter, slotPtr)
	}

	tramp, err := e.alloc.Alloc(target)
	if err != nil {
		return nil, 0, 0, e.fail(ErrInsufficientResources, slotPtr)
	}

	copied, err := e.copyPrefix(tramp, target)
	if err != nil {
		_ = e.alloc.Free(tramp)
		if err == errTooFewBytes && e.ignoreTooSmall {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, e.fail(ErrOutOfMemory, slotPtr)
	}

	tramp.SetDetour(detour)

	alias, aerr := e.h.Remap(target, copied)
	if aerr != nil {
		_ = e.alloc.Free(tramp)
		return nil, 0, 0, e.fail(ErrInsufficientResources, slotPtr)
	}

	e.ops = append(e.ops, &operation{
		slotPtr: slotPtr,
		target:  target,
		alias:   alias,
		tramp:   tramp,
		patch:   e.bakeInstall(tramp, target, detour),
	})
	return tramp, target, detour, nil
}

// errTooFewBytes distinguishes the skippable prefix failure (undersized
// target) from the hard trampoline-overflow ones.
var errTooFewBytes = errors.New("detour: too few movable bytes")

// copyPrefix fills the trampoline with the minimal relocated prefix of the
// target followed by a jump back to the remainder, and snapshots the
// original bytes for detach. It returns the number of target bytes
// displaced.
func (e *Engine) copyPrefix(tramp *alloc.Slot, target uintptr) (int, error) {
	pool := tramp.PoolBase()
	budget := e.pack.SizeOfJump()
	tramp.ClearAlign()

	// ISA-specific prologue handling (Thumb alignment and re-detour).
	srcAdv, dstAdv, extra := e.pack.Prelude(target, tramp.Code())
	budget += extra
	src := target + uintptr(srcAdv)
	dstOff := dstAdv
	copied := srcAdv

	// Copy whole instructions until the overwrite window is covered.
	nAlign := 0
	for copied < budget {
		before := src
		next, grow, err := e.copier.Copy(tramp.CodeAddr(dstOff), &pool, src)
		if err != nil {
			return 0, errTooFewBytes
		}
		dstOff += int(next-src) + grow
		src = next
		copied = int(src - target)

		// A relocated prefix that has already collided with the literal
		// pool can only get worse.
		if tramp.CodeAddr(dstOff) > pool {
			return 0, ErrOutOfMemory
		}

		tramp.SetAlign(nAlign, copied, dstOff)
		nAlign++
		if nAlign >= tramp.AlignCap() {
			break
		}
		if e.pack.DoesCodeEndFunction(before) {
			break
		}
	}

	// Consume, but never duplicate, trailing padding when the prefix falls
	// just short.
	for copied < budget {
		k := e.pack.CodeFiller(src)
		if k == 0 {
			break
		}
		src += uintptr(k)
		copied = int(src - target)
	}

	if copied < budget {
		return 0, errTooFewBytes
	}
	layout := e.alloc.SlotLayout()
	poolOff := int(pool - tramp.CodeAddr(0))
	if copied > layout.RestoreCap || dstOff+e.pack.SizeOfTailJump() > poolOff {
		return 0, ErrOutOfMemory
	}

	tramp.SetCodeLen(dstOff)
	tramp.SetRestoreLen(copied)
	copy(tramp.Restore(), mem.Slice(target, copied))
	tramp.SetRemain(target + uintptr(copied))

	n := e.pack.GenTailJump(tramp.Code()[dstOff:], tramp.CodeAddr(dstOff), &pool,
		target+uintptr(copied), tramp.RemainCell())
	poolOff = int(pool - tramp.CodeAddr(0))
	if dstOff+n < poolOff {
		e.pack.GenBreakFill(tramp.Code()[dstOff+n : poolOff])
	}
	return copied, nil
}

// bakeInstall prepares the exact bytes the rendezvous writes over the
// target: the install jump, breakpoint-filled to the full overwrite length.
func (e *Engine) bakeInstall(tramp *alloc.Slot, target, detour uintptr) []byte {
	if pad := tramp.CodeIn(); pad != nil {
		e.pack.GenLandingPad(pad, tramp.CodeInAddr(), tramp.DetourCell())
	}
	buf := make([]byte, tramp.RestoreLen())
	n := e.pack.GenInstallJump(buf, target, detour, tramp.DetourCell())
	e.pack.GenBreakFill(buf[n:])
	return buf
}

// Detach removes a detour attached in an earlier transaction. *slotPtr must
// hold the trampoline pointer published by the attach, and detour must match
// the attached detour.
func (e *Engine) Detach(slotPtr *uintptr, detour uintptr) error {
	if e.owner.Load() != e.h.CurrentThreadID() {
		return ErrInvalidOperation
	}
	if e.err != nil {
		return e.err
	}
	if detour == 0 {
		return ErrInvalidParameter
	}
	if slotPtr == nil {
		return ErrInvalidHandle
	}
	if *slotPtr == 0 {
		return e.fail(ErrInvalidHandle, slotPtr)
	}

	tramp, ok := e.alloc.Owns(e.pack.UntagPointer(*slotPtr))
	if !ok {
		return e.detachInvalid(slotPtr)
	}

	cb := tramp.RestoreLen()
	layout := e.alloc.SlotLayout()
	if cb == 0 || cb > layout.CodeCap {
		return e.detachInvalid(slotPtr)
	}
	if tramp.Detour() != e.CodeFromPointer(detour) {
		return e.detachInvalid(slotPtr)
	}
	target := tramp.Remain() - uintptr(cb)

	alias, err := e.h.Remap(target, cb)
	if err != nil {
		return e.fail(ErrInsufficientResources, slotPtr)
	}

	e.ops = append(e.ops, &operation{
		remove:  true,
		slotPtr: slotPtr,
		target:  target,
		alias:   alias,
		tramp:   tramp,
		patch:   append([]byte(nil), tramp.Restore()[:cb]...),
	})
	return nil
}

// detachInvalid applies the ignore-too-small leniency to a bad detach.
func (e *Engine) detachInvalid(slotPtr *uintptr) error {
	if e.ignoreTooSmall {
		return nil
	}
	return e.fail(ErrInvalidBlock, slotPtr)
}
