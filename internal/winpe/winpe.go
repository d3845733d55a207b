// Package winpe walks the MZ/PE headers of loaded modules to answer one
// question for the jump-skipping logic: does an indirect-jump vector lie
// inside the module's Import Address Table?
//
// All memory is reached through fault-guarded probe reads, so a pointer that
// does not lead to a PE header yields "not imported" instead of a fault.
package winpe

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/Binject/debug/pe"
	"golang.org/x/text/encoding/charmap"
)

// Memory is the slice of host behavior the probe needs.
type Memory interface {
	// ProbeRead copies len(buf) bytes from addr, returning false instead
	// of faulting when the range is not readable.
	ProbeRead(addr uintptr, buf []byte) bool

	// ModuleBase returns the allocation base of the module containing addr.
	ModuleBase(addr uintptr) (uintptr, bool)
}

const (
	dosMagic = 0x5a4d     // "MZ"
	ntMagic  = 0x00004550 // "PE\0\0"

	dirEntryExport = 0
	dirEntryIAT    = 12

	// headerBudget caps how much of a module the header parser may read.
	// SizeOfHeaders is virtually always one page; four tolerates padded
	// layouts without letting a corrupt e_lfanew walk the whole image.
	headerBudget = 4 * 4096
)

// Prober implements the IAT membership test over probed memory.
type Prober struct {
	Mem Memory
}

// IsImported reports whether addr lies inside the IAT directory of the
// module containing code.
func (p *Prober) IsImported(code, addr uintptr) bool {
	if p == nil || p.Mem == nil {
		return false
	}
	base, ok := p.Mem.ModuleBase(code)
	if !ok {
		return false
	}
	va, size, ok := p.dataDirectory(base, dirEntryIAT)
	if !ok || size == 0 {
		return false
	}
	return addr >= base+uintptr(va) && addr < base+uintptr(va)+uintptr(size)
}

// ModuleName returns the module's export-directory name, decoded from its
// ANSI bytes, when the module exports one.
func (p *Prober) ModuleName(base uintptr) (string, bool) {
	va, size, ok := p.dataDirectory(base, dirEntryExport)
	if !ok || size < 40 {
		return "", false
	}
	// IMAGE_EXPORT_DIRECTORY.Name is the RVA at offset 12.
	var raw [4]byte
	if !p.Mem.ProbeRead(base+uintptr(va)+12, raw[:]) {
		return "", false
	}
	nameRVA := binary.LittleEndian.Uint32(raw[:])
	if nameRVA == 0 {
		return "", false
	}
	var name []byte
	for off := uintptr(0); off < 260; off++ {
		var c [1]byte
		if !p.Mem.ProbeRead(base+uintptr(nameRVA)+off, c[:]) {
			return "", false
		}
		if c[0] == 0 {
			break
		}
		name = append(name, c[0])
	}
	decoded, err := DecodeANSIName(name)
	if err != nil {
		return "", false
	}
	return decoded, true
}

// dataDirectory parses the module's optional header through the guarded
// reader and returns one data-directory entry.
func (p *Prober) dataDirectory(base uintptr, entry int) (va, size uint32, ok bool) {
	// Cheap structural checks before handing the region to the full parser.
	var dos [64]byte
	if !p.Mem.ProbeRead(base, dos[:]) {
		return 0, 0, false
	}
	if binary.LittleEndian.Uint16(dos[:]) != dosMagic {
		return 0, 0, false
	}
	lfanew := binary.LittleEndian.Uint32(dos[60:])
	if lfanew == 0 || lfanew > headerBudget-4 {
		return 0, 0, false
	}
	var sig [4]byte
	if !p.Mem.ProbeRead(base+uintptr(lfanew), sig[:]) {
		return 0, 0, false
	}
	if binary.LittleEndian.Uint32(sig[:]) != ntMagic {
		return 0, 0, false
	}

	f, err := pe.NewFileFromMemory(&guardedReader{mem: p.Mem, base: base, limit: headerBudget})
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		if entry >= int(oh.NumberOfRvaAndSizes) {
			return 0, 0, false
		}
		d := oh.DataDirectory[entry]
		return d.VirtualAddress, d.Size, true
	case *pe.OptionalHeader32:
		if entry >= int(oh.NumberOfRvaAndSizes) {
			return 0, 0, false
		}
		d := oh.DataDirectory[entry]
		return d.VirtualAddress, d.Size, true
	}
	return 0, 0, false
}

// guardedReader adapts probed module memory to io.ReaderAt for the PE
// parser. Reads beyond the header budget or into unmapped memory fail
// cleanly instead of faulting.
type guardedReader struct {
	mem   Memory
	base  uintptr
	limit int64
}

var errBadRead = errors.New("winpe: unreadable module memory")

func (r *guardedReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= r.limit {
		return 0, io.EOF
	}
	if max := r.limit - off; int64(len(p)) > max {
		n, err := r.ReadAt(p[:max], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	if !r.mem.ProbeRead(r.base+uintptr(off), p) {
		return 0, errBadRead
	}
	return len(p), nil
}

// DecodeANSIName converts an ANSI module or export name to UTF-8. Plain
// ASCII passes through; extended bytes decode as Windows-1252.
func DecodeANSIName(raw []byte) (string, error) {
	ascii := true
	for _, c := range raw {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(raw), nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
