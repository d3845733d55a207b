package arch

import (
	"encoding/binary"

	"github.com/joshuapare/detourkit/internal/mem"
)

// X64 returns the 64-bit x86 pack.
//
// An x64 instruction can be 15 bytes long; in practice 11 is the limit seen
// in compiler output. The copy budget is 12 bytes so the overwrite window
// always holds a full far jump, while the emitted overwrite itself is the
// 6-byte RIP-relative indirect form through the slot's detour cell.
func X64() Pack { return x64Pack{} }

type x64Pack struct{}

func (x64Pack) Name() string { return "amd64" }

func (x64Pack) SlotLayout() SlotLayout { return layout(30, 30, 8, 8) }

func (x64Pack) SizeOfJump() int     { return 12 }
func (x64Pack) SizeOfTailJump() int { return 6 }

// genJmpIndirectRIP emits jmp [RIP+imm32] dereferencing the pointer cell at
// vector. The cell must be within ±2 GiB of the instruction.
func genJmpIndirectRIP(dst []byte, at, vector uintptr) int {
	dst[0] = 0xFF
	dst[1] = 0x25
	binary.LittleEndian.PutUint32(dst[2:], uint32(uint64(vector)-uint64(at+6)))
	return 6
}

func (x64Pack) GenInstallJump(dst []byte, at, detour, detourCell uintptr) int {
	return genJmpIndirectRIP(dst, at, detourCell)
}

func (x64Pack) GenLandingPad(dst []byte, at, detourCell uintptr) int {
	return genJmpIndirectRIP(dst, at, detourCell)
}

func (x64Pack) GenTailJump(dst []byte, at uintptr, pool *uintptr, remain, remainCell uintptr) int {
	return genJmpIndirectRIP(dst, at, remainCell)
}

func (x64Pack) GenBreakFill(dst []byte) {
	for i := range dst {
		dst[i] = 0xCC
	}
}

func (x64Pack) SkipJump(code uintptr, prober ImportProber) uintptr {
	if code == 0 {
		return 0
	}

	// Import alias: jmp [RIP+imm32] with the vector inside the IAT.
	b := mem.Slice(code, 8)
	if b[0] == 0xFF && b[1] == 0x25 {
		vector := code + 6 + uintptr(int32(binary.LittleEndian.Uint32(b[2:])))
		if prober != nil && prober.IsImported(code, vector) {
			code = mem.ReadPointer(vector)
			b = mem.Slice(code, 8)
		}
	}

	// Patch stub: jmp +imm8, possibly cascading into one more jump.
	if b[0] == 0xEB {
		code = code + 2 + uintptr(int8(b[1]))
		b = mem.Slice(code, 8)

		if b[0] == 0xFF && b[1] == 0x25 {
			vector := code + 6 + uintptr(int32(binary.LittleEndian.Uint32(b[2:])))
			if prober != nil && prober.IsImported(code, vector) {
				code = mem.ReadPointer(vector)
			}
		} else if b[0] == 0xE9 {
			code = code + 5 + uintptr(int32(binary.LittleEndian.Uint32(b[1:])))
		}
	}
	return code
}

func (x64Pack) FindJumpBounds(code uintptr) Bounds {
	lo := below2GB(uint64(code))
	hi := above2GB(uint64(code), threshold64, ceil64)

	b := mem.Slice(code, 8)
	switch {
	case b[0] == 0xFF && b[1] == 0x25:
		// Stay within range of a leading indirect jump's vector.
		vector := code + 6 + uintptr(int32(binary.LittleEndian.Uint32(b[2:])))
		if vector < code {
			hi = above2GB(uint64(vector), threshold64, ceil64)
		} else {
			lo = below2GB(uint64(vector))
		}
	case b[0] == 0xE9:
		// Stay within range of a leading relative jump's destination.
		dest := code + 5 + uintptr(int32(binary.LittleEndian.Uint32(b[1:])))
		if dest < code {
			hi = above2GB(uint64(dest), threshold64, ceil64)
		} else {
			lo = below2GB(uint64(dest))
		}
	}
	return Bounds{Lo: uintptr(lo), Hi: uintptr(hi)}
}

func (x64Pack) DoesCodeEndFunction(code uintptr) bool {
	return x86DoesCodeEndFunction(mem.Slice(code, 4))
}

func (x64Pack) CodeFiller(code uintptr) int {
	return x86CodeFiller(mem.Slice(code, 11))
}

func (x64Pack) Prelude(src uintptr, dst []byte) (int, int, int) { return 0, 0, 0 }

func (x64Pack) TagPointer(addr uintptr) uintptr   { return addr }
func (x64Pack) UntagPointer(addr uintptr) uintptr { return addr }
