package insn

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/joshuapare/detourkit/internal/mem"
)

// X86 copies x86 and x64 instructions. Mode is 32 or 64.
type X86 struct {
	Mode int
}

// maxInstr is the architectural instruction-length limit.
const maxInstr = 15

func (c X86) Copy(dst uintptr, pool *uintptr, src uintptr) (uintptr, int, error) {
	code := mem.Slice(src, maxInstr)
	inst, err := x86asm.Decode(code, c.Mode)
	if err != nil {
		return 0, 0, ErrCannotDecode
	}
	n := inst.Len

	// Relative branch displacement: the decoder reports its width and
	// encoding offset directly.
	if inst.PCRel > 0 {
		return c.copyBranch(dst, src, code[:n], inst)
	}

	out := mem.Slice(dst, n)
	copy(out, code[:n])

	// RIP-relative memory operand: shift the displacement by the move.
	if c.Mode == 64 {
		if disp, ok := ripDisp(inst); ok {
			off, ok := findDisp32(code[:n], disp)
			if !ok {
				return 0, 0, ErrCannotRelocate
			}
			adjusted := int64(disp) + int64(src) - int64(dst)
			if adjusted != int64(int32(adjusted)) {
				return 0, 0, ErrCannotRelocate
			}
			binary.LittleEndian.PutUint32(out[off:], uint32(int32(adjusted)))
		}
	}
	return src + uintptr(n), 0, nil
}

// copyBranch relocates a PC-relative branch. rel32 forms keep their length;
// rel8 forms are widened to their rel32 equivalents.
func (c X86) copyBranch(dst, src uintptr, code []byte, inst x86asm.Inst) (uintptr, int, error) {
	n := inst.Len
	switch inst.PCRel {
	case 4:
		out := mem.Slice(dst, n)
		copy(out, code)
		disp := int32(binary.LittleEndian.Uint32(code[inst.PCRelOff:]))
		adjusted := int64(disp) + int64(src) - int64(dst)
		if adjusted != int64(int32(adjusted)) {
			return 0, 0, ErrCannotRelocate
		}
		binary.LittleEndian.PutUint32(out[inst.PCRelOff:], uint32(int32(adjusted)))
		return src + uintptr(n), 0, nil

	case 1:
		target := int64(src) + int64(n) + int64(int8(code[inst.PCRelOff]))
		var out []byte
		var newLen int
		switch {
		case code[0] == 0xEB: // jmp +imm8 -> jmp +imm32
			newLen = 5
			out = mem.Slice(dst, newLen)
			out[0] = 0xE9
		case code[0] >= 0x70 && code[0] <= 0x7F: // jcc +imm8 -> jcc +imm32
			newLen = 6
			out = mem.Slice(dst, newLen)
			out[0] = 0x0F
			out[1] = 0x80 | (code[0] & 0x0F)
		default:
			// jcxz and the loop family have no rel32 form.
			return 0, 0, ErrCannotRelocate
		}
		disp := target - (int64(dst) + int64(newLen))
		if disp != int64(int32(disp)) {
			return 0, 0, ErrCannotRelocate
		}
		binary.LittleEndian.PutUint32(out[newLen-4:], uint32(int32(disp)))
		return src + uintptr(n), newLen - n, nil
	}
	return 0, 0, ErrCannotRelocate
}

// ripDisp extracts the displacement of a RIP-relative memory operand.
func ripDisp(inst x86asm.Inst) (int32, bool) {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if m, ok := arg.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return int32(m.Disp), true
		}
	}
	return 0, false
}

// findDisp32 locates the encoding offset of a known disp32 value. The
// displacement precedes any immediate, so the scan runs from the end; an
// ambiguous double match refuses rather than guessing.
func findDisp32(code []byte, disp int32) (int, bool) {
	found := -1
	for off := len(code) - 4; off >= 1; off-- {
		if int32(binary.LittleEndian.Uint32(code[off:])) == disp {
			if found >= 0 {
				return 0, false
			}
			found = off
		}
	}
	return found, found >= 0
}
