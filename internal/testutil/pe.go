package testutil

import (
	"encoding/binary"

	"github.com/joshuapare/detourkit/internal/mem"
)

// Module offsets used by the synthetic PE image.
const (
	peHeaderOff = 0x80  // e_lfanew
	peIATOff    = 0x200 // IAT directory: one 8-byte slot
	peThunkOff  = 0x400 // import thunk code
	peNameOff   = 0x300 // export-directory name bytes
	peExportOff = 0x2c0 // IMAGE_EXPORT_DIRECTORY
	peImageSize = 0x600
)

// FakeModule is a minimal in-memory PE64 image: valid DOS and NT headers,
// an IAT directory covering one pointer slot, and room for an import-thunk
// instruction that jumps through that slot.
type FakeModule struct {
	Base    uintptr
	IATSlot uintptr // address of the 8-byte import slot
	Thunk   uintptr // address of the thunk code area
	image   []byte
}

// BuildModule registers a synthetic PE64 module with the host. The IAT slot
// holds imported, as the loader would have resolved it. name, when not
// empty, becomes the export-directory module name.
func BuildModule(h *SimHost, imported uintptr, name string) *FakeModule {
	img := make([]byte, peImageSize)

	// DOS header.
	copy(img, "MZ")
	binary.LittleEndian.PutUint32(img[60:], peHeaderOff)

	// NT signature + file header.
	copy(img[peHeaderOff:], "PE\x00\x00")
	fh := img[peHeaderOff+4:]
	binary.LittleEndian.PutUint16(fh[0:], 0x8664) // machine: amd64
	binary.LittleEndian.PutUint16(fh[2:], 0)      // sections
	binary.LittleEndian.PutUint16(fh[16:], 240)   // optional header size
	binary.LittleEndian.PutUint16(fh[18:], 0x2002)

	// Optional header (PE32+).
	oh := img[peHeaderOff+24:]
	binary.LittleEndian.PutUint16(oh[0:], 0x20b)          // magic
	binary.LittleEndian.PutUint32(oh[56:], peImageSize)   // SizeOfImage
	binary.LittleEndian.PutUint32(oh[60:], 0x200)         // SizeOfHeaders
	binary.LittleEndian.PutUint32(oh[108:], 16)           // NumberOfRvaAndSizes
	dd := oh[112:]                                        // data directories
	binary.LittleEndian.PutUint32(dd[12*8:], peIATOff)    // IAT VA
	binary.LittleEndian.PutUint32(dd[12*8+4:], 8)         // IAT size
	if name != "" {
		binary.LittleEndian.PutUint32(dd[0:], peExportOff) // export VA
		binary.LittleEndian.PutUint32(dd[4:], 64)          // export size
		binary.LittleEndian.PutUint32(img[peExportOff+12:], peNameOff)
		copy(img[peNameOff:], name)
	}

	base := h.AddModule(img)
	m := &FakeModule{
		Base:    base,
		IATSlot: base + peIATOff,
		Thunk:   base + peThunkOff,
		image:   img,
	}
	mem.WritePointer(m.IATSlot, imported)
	return m
}

// WriteThunk places code at the module's thunk area and returns its
// address.
func (m *FakeModule) WriteThunk(code []byte) uintptr {
	copy(m.image[peThunkOff:], code)
	return m.Thunk
}
