package arch

import (
	"encoding/binary"

	"github.com/joshuapare/detourkit/internal/mem"
)

// ARM64 returns the AArch64 pack.
//
// Every instruction is 4 bytes. The overwrite is LDR X17,[PC+8]; BR X17
// plus an 8-byte literal: 16 bytes, 4 instruction slots. Copied instructions
// can expand when PC-relative forms are rewritten through the literal pool,
// so the code buffer is 128 bytes.
func ARM64() Pack { return arm64Pack{} }

type arm64Pack struct{}

func (arm64Pack) Name() string { return "arm64" }

func (arm64Pack) SlotLayout() SlotLayout { return layout(128, 24, 8, 0) }

func (arm64Pack) SizeOfJump() int     { return 16 }
func (arm64Pack) SizeOfTailJump() int { return 16 }

func fetchOpcode(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(mem.Slice(addr, 4))
}

// genA64Jump writes LDR X17,[PC+n]; BR X17 to dst executing at `at`, with
// the 8-byte literal taken from pool when non-nil or placed inline after the
// two instructions otherwise.
func genA64Jump(dst []byte, at uintptr, pool *uintptr, to uintptr) int {
	var literal uintptr
	if pool != nil {
		*pool -= 8
		literal = *pool
		binary.LittleEndian.PutUint64(mem.Slice(literal, 8), uint64(to))
	} else {
		literal = at + 8
		binary.LittleEndian.PutUint64(dst[8:], uint64(to))
	}
	delta := int64(literal) - int64(at)

	binary.LittleEndian.PutUint32(dst[0:], 0x58000011|uint32(delta/4)<<5) // LDR X17,[PC+n]
	binary.LittleEndian.PutUint32(dst[4:], 0xd61f0000|17<<5)              // BR X17

	if pool != nil {
		return 8
	}
	return 16
}

func (arm64Pack) GenInstallJump(dst []byte, at, detour, detourCell uintptr) int {
	return genA64Jump(dst, at, nil, detour)
}

func (arm64Pack) GenLandingPad(dst []byte, at, detourCell uintptr) int { return 0 }

func (arm64Pack) GenTailJump(dst []byte, at uintptr, pool *uintptr, remain, remainCell uintptr) int {
	return genA64Jump(dst, at, pool, remain)
}

func (arm64Pack) GenBreakFill(dst []byte) {
	for i := 0; i+3 < len(dst); i += 4 {
		binary.LittleEndian.PutUint32(dst[i:], 0xd4200000|0xf000<<5) // brk #0xf000
	}
}

// signExtend interprets the low bits of value as a signed bits-wide integer.
func signExtend(value uint64, bits uint) int64 {
	left := 64 - bits
	return int64(value<<left) >> left
}

func (arm64Pack) SkipJump(code uintptr, prober ImportProber) uintptr {
	if code == 0 {
		return 0
	}

	// Import alias: adrp x16,IAT / ldr x16,[x16,#off] / br x16.
	op := fetchOpcode(code)
	if op&0x9f00001f == 0x90000010 { // adrp x16, IAT
		op2 := fetchOpcode(code + 4)
		if op2&0xffe003ff == 0xf9400210 { // ldr x16, [x16, IAT]
			op3 := fetchOpcode(code + 8)
			if op3 == 0xd61f0200 { // br x16
				pageLow2 := uint64(op>>29) & 3
				pageHigh19 := uint64(op>>5) & (1<<19 - 1)
				page := signExtend(pageHigh19<<2|pageLow2, 21) << 12
				offset := (uint64(op2>>10) & (1<<12 - 1)) << 3

				vector := uintptr(int64(code&^0xfff) + page + int64(offset))
				if prober != nil && prober.IsImported(code, vector) {
					return mem.ReadPointer(vector)
				}
			}
		}
	}
	return code
}

func (arm64Pack) FindJumpBounds(code uintptr) Bounds {
	return Bounds{
		Lo: uintptr(below2GB(uint64(code))),
		Hi: uintptr(above2GB(uint64(code), threshold64, ceil64)),
	}
}

func (arm64Pack) DoesCodeEndFunction(code uintptr) bool {
	op := fetchOpcode(code)
	if op&0xfffffc1f == 0xd65f0000 || // ret <reg>
		op&0xfc000000 == 0x14000000 { // b <imm26>
		return true
	}
	return false
}

func (arm64Pack) CodeFiller(code uintptr) int {
	op := fetchOpcode(code)
	if op == 0xd503201f { // nop
		return 4
	}
	if op == 0x00000000 { // zero-filled padding
		return 4
	}
	return 0
}

func (arm64Pack) Prelude(src uintptr, dst []byte) (int, int, int) { return 0, 0, 0 }

func (arm64Pack) TagPointer(addr uintptr) uintptr   { return addr }
func (arm64Pack) UntagPointer(addr uintptr) uintptr { return addr }
