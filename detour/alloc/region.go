package alloc

import (
	"encoding/binary"

	"github.com/joshuapare/detourkit/detour/host"
	"github.com/joshuapare/detourkit/internal/mem"
)

// regionSignature marks the first bytes of a live region ("Rrtd").
const regionSignature = 0x64747252

// region is one page of trampoline memory. The first slot holds only the
// signature; bookkeeping lives here rather than in slot memory.
type region struct {
	pages host.Pages
	base  uintptr
	next  *region

	free []int  // free slot indices, LIFO
	used []bool // liveness per slot index (index 0 is the header)
}

// slotCount returns the number of allocatable slots in a region of the
// given page and slot size: everything after the header slot.
func slotCount(pageSize, slotSize int) int {
	return pageSize/slotSize - 1
}

func (r *region) writeSignature() {
	binary.LittleEndian.PutUint32(mem.Slice(r.base, 4), regionSignature)
}

func (r *region) signatureIntact() bool {
	return binary.LittleEndian.Uint32(mem.Slice(r.base, 4)) == regionSignature
}

// slotAddr returns the base address of slot index i (1-based; 0 is the
// header slot).
func (r *region) slotAddr(slotSize, i int) uintptr {
	return r.base + uintptr(i*slotSize)
}

// contains reports whether addr falls inside the region's page.
func (r *region) contains(addr uintptr, pageSize int) bool {
	return addr >= r.base && addr < r.base+uintptr(pageSize)
}

// empty reports whether every slot is on the free list.
func (r *region) empty() bool {
	for i := 1; i < len(r.used); i++ {
		if r.used[i] {
			return false
		}
	}
	return true
}
