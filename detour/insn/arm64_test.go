package insn

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/detourkit/internal/mem"
)

func copyA64(t *testing.T, src []byte, dst []byte) (next uintptr, extra int, pool uintptr) {
	t.Helper()
	pool = mem.Addr(dst) + uintptr(len(dst))
	next, extra, err := ARM64{}.Copy(mem.Addr(dst), &pool, mem.Addr(src))
	require.NoError(t, err)
	return next, extra, pool
}

func Test_ARM64_Copy_Verbatim(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint32(src, 0xa9bf7bfd) // stp x29,x30,[sp,#-16]!
	dst := make([]byte, 64)

	next, extra, _ := copyA64(t, src, dst)
	require.Equal(t, mem.Addr(src)+4, next)
	require.Zero(t, extra)
	require.Equal(t, src[:4], dst[:4])
}

func Test_ARM64_Copy_B_RoutesThroughPool(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint32(src, 0x14000010) // b +0x40
	target := mem.Addr(src) + 0x40
	dst := make([]byte, 64)

	next, extra, pool := copyA64(t, src, dst)
	require.Equal(t, mem.Addr(src)+4, next)
	require.Equal(t, 4, extra, "b becomes ldr+br")
	require.Equal(t, mem.Addr(dst)+64-8, pool)
	require.Equal(t, target, mem.ReadPointer(pool), "pool literal holds the destination")
	require.Equal(t, uint32(0xd61f0220), binary.LittleEndian.Uint32(dst[4:]), "br x17")
}

func Test_ARM64_Copy_BL_UsesBLR(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint32(src, 0x94000004) // bl +16
	dst := make([]byte, 64)

	_, extra, pool := copyA64(t, src, dst)
	require.Equal(t, 4, extra)
	require.Equal(t, mem.Addr(src)+16, mem.ReadPointer(pool))
	require.Equal(t, uint32(0xd63f0220), binary.LittleEndian.Uint32(dst[4:]), "blr x17")
}

func Test_ARM64_Copy_CBZ_InvertsAndSkips(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint32(src, 0xb4000085) // cbz x5, +16
	target := mem.Addr(src) + 16
	dst := make([]byte, 64)

	_, extra, pool := copyA64(t, src, dst)
	require.Equal(t, 8, extra)

	first := binary.LittleEndian.Uint32(dst[0:])
	require.Equal(t, uint32(0xb5000000), first&0xff000000, "cbz inverts to cbnz")
	require.Equal(t, uint32(5), first&0x1f, "register preserved")
	require.Equal(t, uint32(3), first>>5&(1<<19-1), "skip over the pool branch")
	require.Equal(t, target, mem.ReadPointer(pool))
	require.Equal(t, uint32(0xd61f0220), binary.LittleEndian.Uint32(dst[8:]))
}

func Test_ARM64_Copy_ADR_Materializes(t *testing.T) {
	src := make([]byte, 8)
	// adr x3, +0x10: imm21 = 16 -> immlo=0, immhi=4.
	binary.LittleEndian.PutUint32(src, 0x10000000|4<<5|3)
	dst := make([]byte, 64)

	next, extra, pool := copyA64(t, src, dst)
	require.Equal(t, mem.Addr(src)+4, next)
	require.Zero(t, extra, "adr rewrites in place as a literal load")
	require.Equal(t, mem.Addr(src)+0x10, mem.ReadPointer(pool))

	ldr := binary.LittleEndian.Uint32(dst[0:])
	require.Equal(t, uint32(0x58000000), ldr&0xff000000)
	require.Equal(t, uint32(3), ldr&0x1f, "destination register preserved")
}

func Test_ARM64_Copy_LDRLiteral_Dereferences(t *testing.T) {
	src := make([]byte, 16)
	value := uint64(0x1122334455667788)
	binary.LittleEndian.PutUint64(src[8:], value)
	// ldr x2, +8: imm19 = 2.
	binary.LittleEndian.PutUint32(src, 0x58000000|2<<5|2)
	dst := make([]byte, 64)

	_, extra, pool := copyA64(t, src, dst)
	require.Equal(t, 4, extra, "ldr literal becomes address load plus dereference")
	require.Equal(t, mem.Addr(src)+8, mem.ReadPointer(pool), "pool holds the literal's address")
	require.Equal(t, uint32(0xf9400222), binary.LittleEndian.Uint32(dst[4:]), "ldr x2,[x17]")
}
