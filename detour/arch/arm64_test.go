package arch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/detourkit/internal/mem"
)

func Test_ARM64_GenInstallJump(t *testing.T) {
	dst := make([]byte, 24)
	at := mem.Addr(dst)
	target := uintptr(0x12345678)

	n := ARM64().GenInstallJump(dst, at, target, 0)
	require.Equal(t, 16, n)

	// LDR X17,[PC+8]; BR X17; 8-byte literal.
	ldr := binary.LittleEndian.Uint32(dst[0:])
	require.Equal(t, uint32(0x58000011), ldr&0xff00001f)
	require.Equal(t, uint32(2), ldr>>5&(1<<19-1), "literal is two words ahead")
	require.Equal(t, uint32(0xd61f0220), binary.LittleEndian.Uint32(dst[4:]))
	require.Equal(t, target, mem.GetPointer(dst[8:16]))
}

func Test_ARM64_GenTailJump_Pool(t *testing.T) {
	dst := make([]byte, 48)
	at := mem.Addr(dst)
	poolStart := at + 48
	pool := poolStart
	remain := uintptr(0x00660000)

	n := ARM64().GenTailJump(dst, at, &pool, remain, 0)
	require.Equal(t, 8, n)
	require.Equal(t, poolStart-8, pool)
	require.Equal(t, remain, mem.GetPointer(dst[40:48]))

	ldr := binary.LittleEndian.Uint32(dst[0:])
	delta := uintptr(ldr>>5&(1<<19-1)) * 4
	require.Equal(t, pool, at+delta)
}

func Test_ARM64_GenBreakFill(t *testing.T) {
	dst := make([]byte, 8)
	ARM64().GenBreakFill(dst)
	require.Equal(t, uint32(0xd43e0000), binary.LittleEndian.Uint32(dst[0:]))
	require.Equal(t, uint32(0xd43e0000), binary.LittleEndian.Uint32(dst[4:]))
}

// putADRPSequence encodes adrp x16,page; ldr x16,[x16,#off]; br x16 so that
// the reconstructed vector equals want when executed at code.
func putADRPSequence(dst []byte, code, want uintptr) {
	page := int64(want&^0xfff) - int64(code&^0xfff)
	imm21 := uint32(page>>12) & (1<<21 - 1)
	adrp := uint32(0x90000010) | (imm21&3)<<29 | (imm21>>2)<<5
	off := uint32(want&0xfff) >> 3
	ldr := uint32(0xf9400210) | off<<10

	binary.LittleEndian.PutUint32(dst[0:], adrp)
	binary.LittleEndian.PutUint32(dst[4:], ldr)
	binary.LittleEndian.PutUint32(dst[8:], 0xd61f0200)
}

func Test_ARM64_SkipJump_ImportSequence(t *testing.T) {
	vectorBuf := make([]byte, 16)
	// The ldr offset encoding is 8-byte scaled; align the cell.
	vector := (mem.Addr(vectorBuf) + 7) &^ 7
	final := uintptr(0x00770000)
	mem.WritePointer(vector, final)

	code := make([]byte, 16)
	putADRPSequence(code, mem.Addr(code), vector)

	got := ARM64().SkipJump(mem.Addr(code), stubProber{vector: vector})
	require.Equal(t, final, got)

	// Vector outside the IAT: pointer unchanged.
	got = ARM64().SkipJump(mem.Addr(code), stubProber{vector: vector + 8})
	require.Equal(t, mem.Addr(code), got)
}

func Test_ARM64_DoesCodeEndFunction(t *testing.T) {
	cases := []struct {
		op   uint32
		want bool
	}{
		{0xd65f03c0, true},  // ret
		{0x14000010, true},  // b +0x40
		{0x97ffffff, false}, // bl (calls return)
		{0xa9bf7bfd, false}, // stp x29,x30,[sp,#-16]!
	}
	for _, tc := range cases {
		code := make([]byte, 8)
		binary.LittleEndian.PutUint32(code, tc.op)
		require.Equal(t, tc.want, ARM64().DoesCodeEndFunction(mem.Addr(code)), "%08x", tc.op)
	}
}

func Test_ARM64_CodeFiller(t *testing.T) {
	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code, 0xd503201f) // nop
	require.Equal(t, 4, ARM64().CodeFiller(mem.Addr(code)))

	binary.LittleEndian.PutUint32(code, 0)
	require.Equal(t, 4, ARM64().CodeFiller(mem.Addr(code)))

	binary.LittleEndian.PutUint32(code, 0xd65f03c0)
	require.Equal(t, 0, ARM64().CodeFiller(mem.Addr(code)))
}

func Test_ARM64_SlotLayout(t *testing.T) {
	l := ARM64().SlotLayout()
	require.Equal(t, 128, l.CodeCap)
	require.Equal(t, 24, l.RestoreCap)
	require.Equal(t, 16, ARM64().SizeOfJump())
}
