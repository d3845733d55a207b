package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/detourkit/detour/arch"
	"github.com/joshuapare/detourkit/internal/testutil"
)

func newTestAllocator(t *testing.T) (*Allocator, *testutil.SimHost, uintptr) {
	t.Helper()
	h := testutil.NewSimHost()
	a := New(h, arch.X64())
	// Targets near the regions the sim host hands out: use a registered
	// code buffer as the anchor.
	target := testutil.NewCode(h, make([]byte, 64))
	return a, h, target
}

func Test_Alloc_SlotWithinBounds(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s, err := a.Alloc(target)
	require.NoError(t, err)
	require.NotNil(t, s)

	b := arch.X64().FindJumpBounds(target)
	require.True(t, b.Contains(s.Base()), "slot %#x outside [%#x,%#x]", s.Base(), b.Lo, b.Hi)
}

func Test_Alloc_BreakInitialized(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s, err := a.Alloc(target)
	require.NoError(t, err)
	for _, c := range s.Bytes() {
		require.Equal(t, byte(0xCC), c)
	}
}

func Test_Alloc_ReusesRegion(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s1, err := a.Alloc(target)
	require.NoError(t, err)
	s2, err := a.Alloc(target)
	require.NoError(t, err)
	require.Equal(t, 1, a.Regions(), "nearby targets share one region")
	require.NotEqual(t, s1.Base(), s2.Base())
}

func Test_FreeAndRealloc(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s, err := a.Alloc(target)
	require.NoError(t, err)
	before := a.FreeSlots()

	require.NoError(t, a.Free(s))
	require.Equal(t, before+1, a.FreeSlots())

	// Freed slot memory is zeroed.
	s2, err := a.Alloc(target)
	require.NoError(t, err)
	require.Equal(t, s.Base(), s2.Base(), "LIFO free list reuses the slot")
}

func Test_Free_Foreign(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	bogus := &Slot{base: 0x1000, layout: arch.X64().SlotLayout()}
	require.ErrorIs(t, a.Free(bogus), ErrNotOwned)
}

func Test_Free_Twice(t *testing.T) {
	a, _, target := newTestAllocator(t)
	s, err := a.Alloc(target)
	require.NoError(t, err)
	require.NoError(t, a.Free(s))
	require.ErrorIs(t, a.Free(s), ErrNotLive)
}

func Test_Owns(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s, err := a.Alloc(target)
	require.NoError(t, err)

	got, ok := a.Owns(s.Base())
	require.True(t, ok)
	require.Equal(t, s.Base(), got.Base())

	_, ok = a.Owns(s.Base() + uintptr(s.layout.CodeCap))
	require.False(t, ok, "addresses past the code buffer are not trampoline entries")

	_, ok = a.Owns(target)
	require.False(t, ok)

	require.NoError(t, a.Free(s))
	_, ok = a.Owns(s.Base())
	require.False(t, ok, "freed slots are not live")
}

func Test_FreeListClosure(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s, err := a.Alloc(target)
	require.NoError(t, err)
	require.NoError(t, a.Free(s))

	count := 0
	ok := a.WalkFree(s.Base(), func(slot uintptr) {
		count++
		require.True(t, slot >= s.Base()-4096 && slot < s.Base()+4096,
			"free slot %#x escapes its region", slot)
	})
	require.True(t, ok)
	require.Equal(t, a.FreeSlots(), count)
}

func Test_FreeEmptyRegions(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s, err := a.Alloc(target)
	require.NoError(t, err)
	a.FreeEmptyRegions()
	require.Equal(t, 1, a.Regions(), "regions with live slots survive")

	require.NoError(t, a.Free(s))
	a.FreeEmptyRegions()
	require.Zero(t, a.Regions())
}

// narrowPack pins the reachability window, standing in for a target whose
// leading jump constrains placement.
type narrowPack struct {
	arch.Pack
	bounds arch.Bounds
}

func (p narrowPack) FindJumpBounds(uintptr) arch.Bounds { return p.bounds }

func Test_Alloc_RejectsUnreachableRegion(t *testing.T) {
	h := testutil.NewSimHost()
	target := testutil.NewCode(h, make([]byte, 64))

	// A window nowhere near the process heap: the sim host cannot place
	// pages there, so allocation must fail rather than hand out an
	// unreachable slot.
	pack := narrowPack{Pack: arch.X64(), bounds: arch.Bounds{Lo: 0x10000, Hi: 0x20000}}
	a := New(h, pack)

	_, err := a.Alloc(target)
	require.ErrorIs(t, err, ErrNoRegion)
	require.Zero(t, a.Regions())
}

func Test_Alloc_SkipsOutOfRangeRegions(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s1, err := a.Alloc(target)
	require.NoError(t, err)
	require.NoError(t, a.Free(s1))

	// Same allocator, but a target whose window excludes the existing
	// region: the region must not be reused.
	pack := narrowPack{Pack: arch.X64(), bounds: arch.Bounds{Lo: 0x10000, Hi: 0x20000}}
	a.pack = pack
	_, err = a.Alloc(target)
	require.ErrorIs(t, err, ErrNoRegion)
}

func Test_SystemRegionSetters(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	prev := a.SetSystemRegionLowerBound(0x1000)
	require.Equal(t, uintptr(0x70000000), prev)
	prev = a.SetSystemRegionUpperBound(0x2000)
	require.Equal(t, uintptr(0x80000000), prev)
	require.Equal(t, uintptr(0x1000), a.SetSystemRegionLowerBound(0x3000))
}

func Test_SlotFieldRoundTrip(t *testing.T) {
	a, _, target := newTestAllocator(t)

	s, err := a.Alloc(target)
	require.NoError(t, err)

	s.SetCodeLen(17)
	s.SetRestoreLen(11)
	s.SetRemain(target + 11)
	s.SetDetour(0x11223344)
	s.SetAlign(0, 5, 5)
	s.SetAlign(1, 11, 17)

	require.Equal(t, 17, s.CodeLen())
	require.Equal(t, 11, s.RestoreLen())
	require.Equal(t, target+11, s.Remain())
	require.Equal(t, uintptr(0x11223344), s.Detour())
	obT, obTr := s.Align(1)
	require.Equal(t, 11, obT)
	require.Equal(t, 17, obTr)

	require.True(t, s.ContainsCode(s.Base()))
	require.True(t, s.ContainsCode(s.CodeAddr(29)))
	require.False(t, s.ContainsCode(s.CodeAddr(30)))
}
