package insn

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/joshuapare/detourkit/internal/mem"
)

// ARM64 copies AArch64 instructions. PC-relative forms are rewritten
// through the trampoline's literal pool; everything else copies verbatim.
type ARM64 struct{}

func signExtend64(v uint64, bits uint) int64 {
	left := 64 - bits
	return int64(v<<left) >> left
}

func (ARM64) Copy(dst uintptr, pool *uintptr, src uintptr) (uintptr, int, error) {
	code := mem.Slice(src, 4)
	if _, err := arm64asm.Decode(code); err != nil {
		return 0, 0, ErrCannotDecode
	}
	op := binary.LittleEndian.Uint32(code)
	next := src + 4

	switch {
	case op&0x7c000000 == 0x14000000:
		// B / BL imm26: route through X17 and the pool.
		target := uintptr(int64(src) + signExtend64(uint64(op)&(1<<26-1), 26)*4)
		branch := uint32(0xd61f0220) // br x17
		if op&0x80000000 != 0 {
			branch = 0xd63f0220 // blr x17
		}
		out := mem.Slice(dst, 8)
		binary.LittleEndian.PutUint32(out[0:], ldrX17Literal(dst, pool, target))
		binary.LittleEndian.PutUint32(out[4:], branch)
		return next, 4, nil

	case op&0xff000010 == 0x54000000:
		// B.cond imm19: invert the condition to skip a pool-routed branch.
		target := branchTarget19(src, op)
		out := mem.Slice(dst, 12)
		inverted := 0x54000000 | ((op & 0xf) ^ 1) // flipped condition, imm19 cleared
		binary.LittleEndian.PutUint32(out[0:], inverted|3<<5)
		binary.LittleEndian.PutUint32(out[4:], ldrX17Literal(dst+4, pool, target))
		binary.LittleEndian.PutUint32(out[8:], 0xd61f0220)
		return next, 8, nil

	case op&0x7e000000 == 0x34000000:
		// CBZ / CBNZ imm19: invert and skip, as above.
		target := branchTarget19(src, op)
		out := mem.Slice(dst, 12)
		inverted := op ^ 1<<24
		binary.LittleEndian.PutUint32(out[0:], inverted&^(uint32(1<<19-1)<<5)|3<<5)
		binary.LittleEndian.PutUint32(out[4:], ldrX17Literal(dst+4, pool, target))
		binary.LittleEndian.PutUint32(out[8:], 0xd61f0220)
		return next, 8, nil

	case op&0x7e000000 == 0x36000000:
		// TBZ / TBNZ imm14: invert and skip.
		target := uintptr(int64(src) + signExtend64(uint64(op>>5)&(1<<14-1), 14)*4)
		out := mem.Slice(dst, 12)
		inverted := op ^ 1<<24
		binary.LittleEndian.PutUint32(out[0:], inverted&^(uint32(1<<14-1)<<5)|3<<5)
		binary.LittleEndian.PutUint32(out[4:], ldrX17Literal(dst+4, pool, target))
		binary.LittleEndian.PutUint32(out[8:], 0xd61f0220)
		return next, 8, nil

	case op&0x9f000000 == 0x10000000 || op&0x9f000000 == 0x90000000:
		// ADR / ADRP Xd: materialize the absolute result from the pool.
		rd := op & 0x1f
		lo2 := uint64(op>>29) & 3
		hi19 := uint64(op>>5) & (1<<19 - 1)
		imm := signExtend64(hi19<<2|lo2, 21)
		var value uintptr
		if op&0x80000000 != 0 {
			value = uintptr(int64(src&^0xfff) + imm<<12) // adrp
		} else {
			value = uintptr(int64(src) + imm) // adr
		}
		out := mem.Slice(dst, 4)
		binary.LittleEndian.PutUint32(out, ldrLiteral(dst, pool, rd, value))
		return next, 0, nil

	case op&0xff000000 == 0x58000000 || op&0xff000000 == 0x18000000:
		// LDR (literal) Xd / Wd: the literal stays in the original image,
		// so load its address from the pool and dereference.
		rd := op & 0x1f
		target := branchTarget19(src, op)
		load := uint32(0xf9400220) | rd // ldr xd, [x17]
		if op&0x40000000 == 0 {
			load = 0xb9400220 | rd // ldr wd, [x17]
		}
		out := mem.Slice(dst, 8)
		binary.LittleEndian.PutUint32(out[0:], ldrX17Literal(dst, pool, target))
		binary.LittleEndian.PutUint32(out[4:], load)
		return next, 4, nil

	case op&0x3f000000 == 0x1c000000 || op&0xff000000 == 0x98000000:
		// SIMD and sign-extending literal loads have no compact rewrite.
		return 0, 0, ErrCannotRelocate
	}

	copy(mem.Slice(dst, 4), code)
	return next, 0, nil
}

// branchTarget19 resolves an imm19-scaled PC-relative target.
func branchTarget19(src uintptr, op uint32) uintptr {
	return uintptr(int64(src) + signExtend64(uint64(op>>5)&(1<<19-1), 19)*4)
}

// ldrX17Literal allocates a pool literal holding value and encodes
// LDR X17,[PC+n] executing at at.
func ldrX17Literal(at uintptr, pool *uintptr, value uintptr) uint32 {
	return ldrLiteral(at, pool, 17, value)
}

// ldrLiteral allocates an 8-byte pool literal holding value and encodes
// LDR Xrd,[PC+n] executing at at.
func ldrLiteral(at uintptr, pool *uintptr, rd uint32, value uintptr) uint32 {
	*pool -= 8
	binary.LittleEndian.PutUint64(mem.Slice(*pool, 8), uint64(value))
	delta := (int64(*pool) - int64(at)) / 4
	return 0x58000000 | uint32(delta&(1<<19-1))<<5 | rd
}
