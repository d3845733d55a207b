package testutil

import "github.com/joshuapare/detourkit/internal/mem"

// NewCode places code into registered host memory and returns its address.
// Targets built this way are probe-readable and remappable like any mapped
// kernel code.
func NewCode(h *SimHost, code []byte) uintptr {
	buf := make([]byte, len(code))
	copy(buf, code)
	return h.AddMemory(buf)
}

// NewCodeAligned is NewCode with a controlled address alignment: the
// returned address is congruent to mod4 modulo 4. Thumb tests use this to
// pin targets on or off 32-bit boundaries.
func NewCodeAligned(h *SimHost, code []byte, mod4 int) uintptr {
	raw := make([]byte, len(code)+8)
	base := mem.Addr(raw)
	off := 0
	for (base+uintptr(off))&3 != uintptr(mod4) {
		off++
	}
	copy(raw[off:], code)
	h.AddMemory(raw)
	return base + uintptr(off)
}
