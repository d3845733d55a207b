package arch

import (
	"bytes"
	"encoding/binary"

	"github.com/joshuapare/detourkit/internal/mem"
)

// X86 returns the 32-bit x86 pack.
func X86() Pack { return x86Pack{} }

type x86Pack struct{}

func (x86Pack) Name() string { return "386" }

func (x86Pack) SlotLayout() SlotLayout { return layout(30, 22, 8, 0) }

func (x86Pack) SizeOfJump() int     { return 5 }
func (x86Pack) SizeOfTailJump() int { return 5 }

// genJmpRel32 emits jmp +imm32. The displacement is relative to the byte
// after the instruction as it executes at `at`.
func genJmpRel32(dst []byte, at, to uintptr) int {
	dst[0] = 0xE9
	binary.LittleEndian.PutUint32(dst[1:], uint32(uint64(to)-uint64(at+5)))
	return 5
}

func (x86Pack) GenInstallJump(dst []byte, at, detour, detourCell uintptr) int {
	return genJmpRel32(dst, at, detour)
}

func (x86Pack) GenLandingPad(dst []byte, at, detourCell uintptr) int { return 0 }

func (x86Pack) GenTailJump(dst []byte, at uintptr, pool *uintptr, remain, remainCell uintptr) int {
	return genJmpRel32(dst, at, remain)
}

func (x86Pack) GenBreakFill(dst []byte) {
	for i := range dst {
		dst[i] = 0xCC
	}
}

func (x86Pack) SkipJump(code uintptr, prober ImportProber) uintptr {
	if code == 0 {
		return 0
	}

	// Import alias: jmp [imm32] with the vector inside the IAT.
	b := mem.Slice(code, 8)
	if b[0] == 0xFF && b[1] == 0x25 {
		vector := uintptr(binary.LittleEndian.Uint32(b[2:]))
		if prober != nil && prober.IsImported(code, vector) {
			code = uintptr(binary.LittleEndian.Uint32(mem.Slice(vector, 4)))
			b = mem.Slice(code, 8)
		}
	}

	// Patch stub: jmp +imm8, possibly cascading into one more jump.
	if b[0] == 0xEB {
		code = code + 2 + uintptr(int8(b[1]))
		b = mem.Slice(code, 8)

		if b[0] == 0xFF && b[1] == 0x25 {
			vector := uintptr(binary.LittleEndian.Uint32(b[2:]))
			if prober != nil && prober.IsImported(code, vector) {
				code = uintptr(binary.LittleEndian.Uint32(mem.Slice(vector, 4)))
			}
		} else if b[0] == 0xE9 {
			code = code + 5 + uintptr(int32(binary.LittleEndian.Uint32(b[1:])))
		}
	}
	return code
}

func (x86Pack) FindJumpBounds(code uintptr) Bounds {
	lo := below2GB(uint64(code))
	hi := above2GB(uint64(code), threshold32, ceil32)

	// Stay within range of a leading relative jump's destination too.
	b := mem.Slice(code, 8)
	if b[0] == 0xE9 {
		dest := code + 5 + uintptr(int32(binary.LittleEndian.Uint32(b[1:])))
		if dest < code {
			hi = above2GB(uint64(dest), threshold32, ceil32)
		} else {
			lo = below2GB(uint64(dest))
		}
	}
	return Bounds{Lo: uintptr(lo), Hi: uintptr(hi)}
}

func (x86Pack) DoesCodeEndFunction(code uintptr) bool {
	return x86DoesCodeEndFunction(mem.Slice(code, 4))
}

func (x86Pack) CodeFiller(code uintptr) int {
	return x86CodeFiller(mem.Slice(code, 11))
}

func (x86Pack) Prelude(src uintptr, dst []byte) (int, int, int) { return 0, 0, 0 }

func (x86Pack) TagPointer(addr uintptr) uintptr   { return addr }
func (x86Pack) UntagPointer(addr uintptr) uintptr { return addr }

// x86DoesCodeEndFunction recognizes the return and tail-jump forms shared by
// the x86 and x64 dialects.
func x86DoesCodeEndFunction(b []byte) bool {
	switch b[0] {
	case 0xEB, // jmp +imm8
		0xE9, // jmp +imm32
		0xC2, // ret +imm16
		0xC3, // ret
		0xCC: // brk
		return true
	}
	if b[0] == 0xFF && b[1] == 0xE0 { // jmp eax
		return true
	}
	if b[0] == 0xF3 && b[1] == 0xC3 { // rep ret
		return true
	}
	if b[0] == 0xFF && b[1] == 0x25 { // jmp [+imm32]
		return true
	}
	switch b[0] {
	case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65: // segment-prefixed jmp [+imm32]
		if b[1] == 0xFF && b[2] == 0x25 {
			return true
		}
	}
	return false
}

// x86NOPs are the canonical 1-byte through 11-byte NOP encodings.
var x86NOPs = [][]byte{
	{0x90},
	{0x66, 0x90},
	{0x0F, 0x1F, 0x00},
	{0x0F, 0x1F, 0x40, 0x00},
	{0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x66, 0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// x86CodeFiller returns the length of a NOP or int3 at the start of b, else 0.
func x86CodeFiller(b []byte) int {
	for _, nop := range x86NOPs {
		if bytes.HasPrefix(b, nop) {
			return len(nop)
		}
	}
	if b[0] == 0xCC { // int 3
		return 1
	}
	return 0
}
