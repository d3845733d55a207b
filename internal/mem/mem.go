// Package mem provides raw views over memory addressed by uintptr.
//
// The detour engine works on live code addresses rather than Go values, so
// every read and write of target or trampoline bytes goes through these
// helpers. Callers are responsible for keeping the backing memory alive and
// mapped for the lifetime of the returned slice.
package mem

import (
	"encoding/binary"
	"unsafe"
)

// Slice returns a byte view of n bytes of memory starting at addr.
func Slice(addr uintptr, n int) []byte {
	if addr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Addr returns the address of the first byte of b, or 0 for an empty slice.
func Addr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// PointerSize is the width in bytes of a code pointer on this platform.
const PointerSize = int(unsafe.Sizeof(uintptr(0)))

// ReadPointer loads a little-endian pointer-sized value from addr.
func ReadPointer(addr uintptr) uintptr {
	return GetPointer(Slice(addr, PointerSize))
}

// WritePointer stores v little-endian at addr.
func WritePointer(addr uintptr, v uintptr) {
	PutPointer(Slice(addr, PointerSize), v)
}

// PutPointer stores v little-endian into b.
func PutPointer(b []byte, v uintptr) {
	if PointerSize == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b, uint64(v))
}

// GetPointer loads a little-endian pointer-sized value from b.
func GetPointer(b []byte) uintptr {
	if PointerSize == 4 {
		return uintptr(binary.LittleEndian.Uint32(b))
	}
	return uintptr(binary.LittleEndian.Uint64(b))
}

// AlignDown rounds addr down to the given power-of-two boundary.
func AlignDown(addr uintptr, align uintptr) uintptr {
	return addr &^ (align - 1)
}
