package alloc

import (
	"github.com/joshuapare/detourkit/detour/arch"
	"github.com/joshuapare/detourkit/internal/mem"
)

// Slot is one trampoline inside a region. Field access goes through the
// pack's SlotLayout over the slot's raw bytes, so the machine-visible layout
// (relocated code at offset 0, pointer cells the emitted indirect jumps
// dereference) is exactly what executes.
type Slot struct {
	base   uintptr
	layout arch.SlotLayout
}

// Base returns the slot's start address, which is also the address of the
// relocated code published to callers.
func (s *Slot) Base() uintptr { return s.base }

// Bytes returns the whole slot.
func (s *Slot) Bytes() []byte { return mem.Slice(s.base, s.layout.Size) }

// Code returns the relocated-code buffer.
func (s *Slot) Code() []byte {
	return mem.Slice(s.base+uintptr(s.layout.Code), s.layout.CodeCap)
}

// CodeAddr returns the execution address of code offset off.
func (s *Slot) CodeAddr(off int) uintptr { return s.base + uintptr(s.layout.Code+off) }

// PoolBase returns the address one past the end of the code buffer; literal
// pools grow downward from here.
func (s *Slot) PoolBase() uintptr { return s.CodeAddr(s.layout.CodeCap) }

// CodeLen returns the number of valid bytes in the code buffer.
func (s *Slot) CodeLen() int { return int(s.Bytes()[s.layout.CodeLen]) }

// SetCodeLen records the number of valid bytes in the code buffer.
func (s *Slot) SetCodeLen(n int) { s.Bytes()[s.layout.CodeLen] = byte(n) }

// Restore returns the original-bytes buffer.
func (s *Slot) Restore() []byte {
	return mem.Slice(s.base+uintptr(s.layout.Restore), s.layout.RestoreCap)
}

// RestoreLen returns the number of original bytes held for detach.
func (s *Slot) RestoreLen() int { return int(s.Bytes()[s.layout.RestoreLen]) }

// SetRestoreLen records the number of original bytes held for detach.
func (s *Slot) SetRestoreLen(n int) { s.Bytes()[s.layout.RestoreLen] = byte(n) }

// AlignCap returns the capacity of the alignment table.
func (s *Slot) AlignCap() int { return s.layout.AlignCap }

// ClearAlign zeroes the alignment table; unused entries read as zero pairs.
func (s *Slot) ClearAlign() {
	b := s.Bytes()
	for i := 0; i < 2*s.layout.AlignCap; i++ {
		b[s.layout.Align+i] = 0
	}
}

// SetAlign records one alignment entry: the relocated instruction ending at
// trampoline offset obTrampoline corresponds to target offset obTarget.
func (s *Slot) SetAlign(i, obTarget, obTrampoline int) {
	b := s.Bytes()
	b[s.layout.Align+2*i] = byte(obTarget)
	b[s.layout.Align+2*i+1] = byte(obTrampoline)
}

// Align returns alignment entry i.
func (s *Slot) Align(i int) (obTarget, obTrampoline int) {
	b := s.Bytes()
	return int(b[s.layout.Align+2*i]), int(b[s.layout.Align+2*i+1])
}

// Remain returns the address of the first original instruction after the
// relocated prefix.
func (s *Slot) Remain() uintptr { return mem.ReadPointer(s.RemainCell()) }

// SetRemain stores the remain address in the slot's pointer cell.
func (s *Slot) SetRemain(addr uintptr) { mem.WritePointer(s.RemainCell(), addr) }

// RemainCell returns the address of the 8-byte remain cell, the vector of
// the trampoline's tail jump on ISAs that jump indirectly.
func (s *Slot) RemainCell() uintptr { return s.base + uintptr(s.layout.Remain) }

// Detour returns the detour entry point.
func (s *Slot) Detour() uintptr { return mem.ReadPointer(s.DetourCell()) }

// SetDetour stores the detour address in the slot's pointer cell.
func (s *Slot) SetDetour(addr uintptr) { mem.WritePointer(s.DetourCell(), addr) }

// DetourCell returns the address of the 8-byte detour cell, the vector of
// the install jump on ISAs that jump indirectly.
func (s *Slot) DetourCell() uintptr { return s.base + uintptr(s.layout.Detour) }

// CodeIn returns the indirect landing pad buffer, or nil when the ISA has
// none.
func (s *Slot) CodeIn() []byte {
	if s.layout.CodeIn < 0 {
		return nil
	}
	return mem.Slice(s.base+uintptr(s.layout.CodeIn), s.layout.CodeInCap)
}

// CodeInAddr returns the execution address of the landing pad.
func (s *Slot) CodeInAddr() uintptr { return s.base + uintptr(s.layout.CodeIn) }

// ContainsCode reports whether addr falls inside the slot's code buffer.
func (s *Slot) ContainsCode(addr uintptr) bool {
	return addr >= s.CodeAddr(0) && addr < s.CodeAddr(s.layout.CodeCap)
}
