package insn

import (
	"encoding/binary"

	"github.com/joshuapare/detourkit/internal/mem"
)

// Thumb copies Thumb-2 instructions verbatim and refuses the PC-relative
// forms. Thumb prologues that need real relocation should supply their own
// copier.
type Thumb struct{}

func (Thumb) Copy(dst uintptr, pool *uintptr, src uintptr) (uintptr, int, error) {
	b := mem.Slice(src, 4)
	hw := binary.LittleEndian.Uint16(b)

	if hw < 0xe800 {
		// 16-bit encodings.
		switch {
		case hw&0xf800 == 0xe000, // b <imm11>
			hw&0xf000 == 0xd000 && hw&0x0f00 != 0x0f00, // b<cond> <imm8>
			hw&0xf500 == 0xb100,                        // cbz/cbnz
			hw&0xf800 == 0x4800,                        // ldr <reg>,[pc+imm]
			hw&0xf800 == 0xa000,                        // adr
			hw&0xfc78 == 0x4478:                        // add/cmp/mov/bx with pc as source
			return 0, 0, ErrCannotRelocate
		}
		copy(mem.Slice(dst, 2), b[:2])
		return src + 2, 0, nil
	}

	// 32-bit encodings.
	op := uint32(hw)<<16 | uint32(binary.LittleEndian.Uint16(b[2:]))
	switch {
	case op&0xf800d000 == 0xf0009000, // b.w
		op&0xf800d000 == 0xf000d000, // bl
		op&0xf800c000 == 0xf000c000, // blx
		op&0xff7f0000 == 0xf85f0000, // ldr.w <reg>,[pc+imm]
		op&0xfbff8000 == 0xf2af0000, // adr.w sub form
		op&0xfbff8000 == 0xf20f0000, // adr.w add form
		op&0xfe1f0000 == 0xf81f0000, // ldrb/ldrh/ldrsb/ldrsh/pld <reg>,[pc+imm]
		op&0xfe5f0000 == 0xe85f0000, // ldrd <reg>,<reg>,[pc+imm]; tbb/tbh [pc,<reg>]
		op&0xff3f0e00 == 0xed1f0a00, // vldr <reg>,[pc+imm]
		// b<cond>.w
		op&0xf800d000 == 0xf0008000 && op&0x03800000 != 0x03800000:
		return 0, 0, ErrCannotRelocate
	}
	copy(mem.Slice(dst, 4), b)
	return src + 4, 0, nil
}
