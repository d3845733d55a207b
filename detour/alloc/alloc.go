package alloc

import (
	"github.com/joshuapare/detourkit/detour/arch"
	"github.com/joshuapare/detourkit/detour/host"
)

// Allocator hands out trampoline slots reachable from their targets.
//
// The allocator is not safe for concurrent use; only the transaction owner
// touches it, between begin and commit or abort.
type Allocator struct {
	h      host.Host
	pack   arch.Pack
	layout arch.SlotLayout

	pageSize int
	perPage  int

	regions *region // global region list
	def     *region // rotating default cursor

	sysLo uintptr // system region excluded from trampoline placement
	sysHi uintptr
}

// New creates an allocator over the given host and pack.
func New(h host.Host, pack arch.Pack) *Allocator {
	l := pack.SlotLayout()
	ps := h.PageSize()
	return &Allocator{
		h:        h,
		pack:     pack,
		layout:   l,
		pageSize: ps,
		perPage:  slotCount(ps, l.Size),
		sysLo:    0x70000000,
		sysHi:    0x80000000,
	}
}

// SetSystemRegionLowerBound replaces the lower bound of the excluded system
// region and returns the previous value.
func (a *Allocator) SetSystemRegionLowerBound(p uintptr) uintptr {
	prev := a.sysLo
	a.sysLo = p
	return prev
}

// SetSystemRegionUpperBound replaces the upper bound of the excluded system
// region and returns the previous value.
func (a *Allocator) SetSystemRegionUpperBound(p uintptr) uintptr {
	prev := a.sysHi
	a.sysHi = p
	return prev
}

// Alloc returns a breakpoint-initialized slot within reach of target.
func (a *Allocator) Alloc(target uintptr) (*Slot, error) {
	bounds := a.pack.FindJumpBounds(target)

	// Keep a default region so clustered targets reuse one page.
	if a.def == nil {
		a.def = a.regions
	}
	if s := a.popFrom(a.def, bounds); s != nil {
		return s, nil
	}
	for r := a.regions; r != nil; r = r.next {
		if s := a.popFrom(r, bounds); s != nil {
			a.def = r
			return s, nil
		}
	}

	r, err := a.newRegion(bounds)
	if err != nil {
		return nil, err
	}
	a.def = r
	s := a.popFrom(r, bounds)
	if s == nil {
		return nil, ErrNoRegion
	}
	return s, nil
}

// popFrom takes the head free slot of r when the region lies inside the
// target's window.
func (a *Allocator) popFrom(r *region, bounds arch.Bounds) *Slot {
	if r == nil || len(r.free) == 0 {
		return nil
	}
	if !bounds.Contains(r.base) || !bounds.Contains(r.base+uintptr(a.pageSize)-1) {
		return nil
	}
	i := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.used[i] = true

	s := &Slot{base: r.slotAddr(a.layout.Size, i), layout: a.layout}
	a.pack.GenBreakFill(s.Bytes())
	return s
}

// newRegion asks the host for a fresh page inside the window, avoiding the
// excluded system region.
func (a *Allocator) newRegion(bounds arch.Bounds) (*region, error) {
	var windows [][2]uintptr
	lo, hi := bounds.Lo, bounds.Hi
	if a.sysLo < a.sysHi && a.sysLo < hi && a.sysHi > lo {
		if lo < a.sysLo {
			windows = append(windows, [2]uintptr{lo, a.sysLo})
		}
		if hi > a.sysHi {
			windows = append(windows, [2]uintptr{a.sysHi, hi})
		}
	} else {
		windows = append(windows, [2]uintptr{lo, hi})
	}

	for _, w := range windows {
		pages, err := a.h.AllocPages(a.pageSize, w[0], w[1])
		if err != nil {
			continue
		}
		r := &region{
			pages: pages,
			base:  pages.Base(),
			next:  a.regions,
			used:  make([]bool, a.perPage+1),
		}
		for i := a.perPage; i >= 1; i-- {
			r.free = append(r.free, i)
		}
		r.writeSignature()
		a.regions = r
		return r, nil
	}
	return nil, ErrNoRegion
}

// Free zeroes a slot and returns it to its region's free list.
func (a *Allocator) Free(s *Slot) error {
	r := a.regionOf(s.Base())
	if r == nil {
		return ErrNotOwned
	}
	i := int(s.Base()-r.base) / a.layout.Size
	if i < 1 || i > a.perPage || !r.used[i] {
		return ErrNotLive
	}
	b := s.Bytes()
	for j := range b {
		b[j] = 0
	}
	r.used[i] = false
	r.free = append(r.free, i)
	return nil
}

// Owns returns the live slot whose code buffer contains addr.
func (a *Allocator) Owns(addr uintptr) (*Slot, bool) {
	r := a.regionOf(addr)
	if r == nil {
		return nil, false
	}
	i := int(addr-r.base) / a.layout.Size
	if i < 1 || i > a.perPage || !r.used[i] {
		return nil, false
	}
	s := &Slot{base: r.slotAddr(a.layout.Size, i), layout: a.layout}
	if !s.ContainsCode(addr) {
		return nil, false
	}
	return s, true
}

func (a *Allocator) regionOf(addr uintptr) *region {
	for r := a.regions; r != nil; r = r.next {
		if r.contains(addr, a.pageSize) {
			return r
		}
	}
	return nil
}

// FreeEmptyRegions releases every region whose slots are all free and whose
// header signature is intact.
func (a *Allocator) FreeEmptyRegions() {
	pp := &a.regions
	for r := a.regions; r != nil; {
		if r.signatureIntact() && r.empty() {
			*pp = r.next
			_ = r.pages.Free()
			a.def = nil
		} else {
			pp = &r.next
		}
		r = *pp
	}
}

// SetWritable flips every region to execute+read+write.
func (a *Allocator) SetWritable() error {
	for r := a.regions; r != nil; r = r.next {
		if err := r.pages.Protect(true); err != nil {
			return err
		}
	}
	return nil
}

// SetExecutable flips every region back to execute+read. Failures are
// ignored; the code stays reachable either way.
func (a *Allocator) SetExecutable() {
	for r := a.regions; r != nil; r = r.next {
		_ = r.pages.Protect(false)
	}
}

// Regions returns the number of live regions.
func (a *Allocator) Regions() int {
	n := 0
	for r := a.regions; r != nil; r = r.next {
		n++
	}
	return n
}

// FreeSlots returns the total number of free slots across all regions.
func (a *Allocator) FreeSlots() int {
	n := 0
	for r := a.regions; r != nil; r = r.next {
		n += len(r.free)
	}
	return n
}

// WalkFree visits every free slot address in the region containing addr and
// reports whether the walk stayed inside that region.
func (a *Allocator) WalkFree(addr uintptr, visit func(slot uintptr)) bool {
	r := a.regionOf(addr)
	if r == nil {
		return false
	}
	for _, i := range r.free {
		if i < 1 || i > a.perPage {
			return false
		}
		visit(r.slotAddr(a.layout.Size, i))
	}
	return true
}

// SlotLayout exposes the layout slots are built with.
func (a *Allocator) SlotLayout() arch.SlotLayout { return a.layout }
