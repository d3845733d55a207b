package arch

import (
	"encoding/binary"

	"github.com/joshuapare/detourkit/internal/mem"
)

// ARM returns the Thumb-2 pack.
//
// Code pointers carry the Thumb bit; TagPointer/UntagPointer convert between
// published function pointers and instruction addresses. Jumps are a 32-bit
// LDR PC,[PC+n] plus a 4-byte literal, so the minimum overwrite is 8 bytes,
// plus 2 when the target is not 32-bit aligned.
func ARM() Pack { return armPack{} }

type armPack struct{}

func (armPack) Name() string { return "arm" }

func (armPack) SlotLayout() SlotLayout { return layout(62, 22, 8, 0) }

func (armPack) SizeOfJump() int     { return 8 }
func (armPack) SizeOfTailJump() int { return 8 }

func align4(addr uintptr) uintptr { return addr &^ 3 }

// fetchThumbOpcode reads one Thumb instruction at addr, returning 16-bit
// encodings as-is and 32-bit encodings with the leading halfword high.
func fetchThumbOpcode(addr uintptr) uint32 {
	b := mem.Slice(addr, 4)
	op := uint32(binary.LittleEndian.Uint16(b))
	if op >= 0xe800 {
		op = op<<16 | uint32(binary.LittleEndian.Uint16(b[2:]))
	}
	return op
}

// putThumbOpcode writes op at dst[off] and returns the advanced offset.
func putThumbOpcode(dst []byte, off int, op uint32) int {
	if op >= 0x10000 {
		binary.LittleEndian.PutUint16(dst[off:], uint16(op>>16))
		off += 2
	}
	binary.LittleEndian.PutUint16(dst[off:], uint16(op))
	return off + 2
}

// genThumbJump writes LDR PC,[PC+n] to dst executing at `at`, with the
// 4-byte literal taken from pool when non-nil or placed inline after the
// instruction otherwise. The literal holds `to` with the Thumb bit set.
func genThumbJump(dst []byte, at uintptr, pool *uintptr, to uintptr) int {
	var literal uintptr
	off := 0
	if pool != nil {
		*pool -= 4
		literal = *pool
		binary.LittleEndian.PutUint32(mem.Slice(literal, 4), uint32(to|1))
	} else {
		literal = align4(at + 6)
		binary.LittleEndian.PutUint32(dst[literal-at:], uint32(to|1))
	}
	delta := literal - align4(at+4)

	off = putThumbOpcode(dst, off, 0xf8dff000|uint32(delta)) // LDR PC,[PC+n]

	if pool == nil {
		if (at+uintptr(off))&2 != 0 {
			off = putThumbOpcode(dst, off, 0xdefe) // BREAK
		}
		off += 4 // inline literal
	}
	return off
}

func (armPack) GenInstallJump(dst []byte, at, detour, detourCell uintptr) int {
	return genThumbJump(dst, at, nil, detour)
}

func (armPack) GenLandingPad(dst []byte, at, detourCell uintptr) int { return 0 }

func (armPack) GenTailJump(dst []byte, at uintptr, pool *uintptr, remain, remainCell uintptr) int {
	return genThumbJump(dst, at, pool, remain)
}

func (armPack) GenBreakFill(dst []byte) {
	for i := 0; i+1 < len(dst); i += 2 {
		binary.LittleEndian.PutUint16(dst[i:], 0xdefe)
	}
}

func (armPack) SkipJump(code uintptr, prober ImportProber) uintptr {
	if code == 0 {
		return 0
	}
	code &^= 1 // strip the Thumb bit

	// Import alias: movw r12,#lo / movt r12,#hi / ldr pc,[r12].
	op := fetchThumbOpcode(code)
	if op&0xfbf08f00 == 0xf2400c00 { // movw r12,#xxxx
		op2 := fetchThumbOpcode(code + 4)
		if op2&0xfbf08f00 == 0xf2c00c00 { // movt r12,#xxxx
			op3 := fetchThumbOpcode(code + 8)
			if op3 == 0xf8dcf000 { // ldr pc,[r12]
				vector := uintptr(op2<<12&0xf7000000 |
					op2<<1&0x08000000 |
					op2<<16&0x00ff0000 |
					op>>4&0x0000f700 |
					op>>15&0x00000800 |
					op>>0&0x000000ff)
				if prober != nil && prober.IsImported(code, vector) {
					next := uintptr(binary.LittleEndian.Uint32(mem.Slice(vector, 4)))
					return next &^ 1
				}
			}
		}
	}
	return code
}

func (armPack) FindJumpBounds(code uintptr) Bounds {
	return Bounds{
		Lo: uintptr(below2GB(uint64(code))),
		Hi: uintptr(above2GB(uint64(code), threshold32, ceil32)),
	}
}

func (armPack) DoesCodeEndFunction(code uintptr) bool {
	op := fetchThumbOpcode(code)
	if op&0xffffff87 == 0x4700 || // bx <reg>
		op&0xf800d000 == 0xf0009000 { // b <imm20>
		return true
	}
	if op&0xffff8000 == 0xe8bd8000 { // pop {...,pc}
		return true
	}
	if op&0xffffff00 == 0x0000bd00 { // pop {...,pc}
		return true
	}
	return false
}

func (armPack) CodeFiller(code uintptr) int {
	b := mem.Slice(code, 2)
	if b[0] == 0x00 && b[1] == 0xbf { // nop
		return 2
	}
	if b[0] == 0x00 && b[1] == 0x00 { // zero-filled padding
		return 2
	}
	return 0
}

// Prelude handles the two Thumb fast paths before the copy loop runs: a
// target that is itself an LDR PC,[PC] literal jump (another detour) is
// copied wholesale, and a misaligned target widens the copy budget by one
// halfword.
func (armPack) Prelude(src uintptr, dst []byte) (srcAdv, dstAdv, extraJump int) {
	if src&2 != 0 {
		extraJump = 2
		if fetchThumbOpcode(src) == 0xbf00 && fetchThumbOpcode(src+2) == 0xf8dff000 {
			// nop; LDR PC,[PC]; literal
			copy(dst[:10], mem.Slice(src, 10))
			return 10, 10, extraJump
		}
		return 0, 0, extraJump
	}
	if fetchThumbOpcode(src) == 0xf8dff000 {
		// LDR PC,[PC]; literal
		copy(dst[:8], mem.Slice(src, 8))
		return 8, 8, 0
	}
	return 0, 0, 0
}

func (armPack) TagPointer(addr uintptr) uintptr   { return addr | 1 }
func (armPack) UntagPointer(addr uintptr) uintptr { return addr &^ 1 }
