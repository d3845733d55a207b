// Package testutil provides the simulated host the engine tests run
// against: page allocations with tracked protection, identity writable
// aliases, registered readable ranges for fault-free probing, fake PE
// modules, and a rendezvous that genuinely quiesces simulated processors.
package testutil

import (
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/joshuapare/detourkit/detour/host"
	"github.com/joshuapare/detourkit/internal/mem"
)

// SimHost implements host.Host over plain process memory. Every range the
// engine may read or write is registered, so probing an unknown address
// reports failure the way a guarded kernel probe would.
type SimHost struct {
	CPUs int // simulated processor count

	mu      sync.RWMutex // quiesce lock: rendezvous holds it exclusively
	ranges  []memRange
	modules []memRange
	keep    [][]byte

	FlushCalls int // instruction-cache flushes observed
}

type memRange struct {
	base uintptr
	size int
}

func (r memRange) contains(addr uintptr, n int) bool {
	return addr >= r.base && addr+uintptr(n) <= r.base+uintptr(r.size)
}

// NewSimHost returns a simulated host with four processors.
func NewSimHost() *SimHost {
	return &SimHost{CPUs: 4}
}

func (h *SimHost) PageSize() int { return 4096 }

// AddMemory registers b as readable memory and returns its base address.
// The host keeps a reference so the backing array stays alive.
func (h *SimHost) AddMemory(b []byte) uintptr {
	h.keep = append(h.keep, b)
	base := mem.Addr(b)
	h.ranges = append(h.ranges, memRange{base: base, size: len(b)})
	return base
}

// AddModule registers b as a loaded module image: readable memory whose
// base ModuleBase reports for any address inside it.
func (h *SimHost) AddModule(b []byte) uintptr {
	base := h.AddMemory(b)
	h.modules = append(h.modules, memRange{base: base, size: len(b)})
	return base
}

type simPages struct {
	h        *SimHost
	data     []byte
	base     uintptr
	writable bool
	freed    bool
}

func (p *simPages) Base() uintptr { return p.base }
func (p *simPages) Size() int     { return len(p.data) }

func (p *simPages) Protect(writable bool) error {
	p.writable = writable
	return nil
}

func (p *simPages) Free() error {
	p.freed = true
	return nil
}

func (h *SimHost) AllocPages(size int, lo, hi uintptr) (host.Pages, error) {
	// Page-align within an oversized allocation.
	raw := make([]byte, size+h.PageSize())
	base := (mem.Addr(raw) + uintptr(h.PageSize()) - 1) &^ uintptr(h.PageSize()-1)
	data := raw[base-mem.Addr(raw):]
	data = data[:size]

	if base < lo || base+uintptr(size)-1 > hi {
		return nil, host.ErrOutOfRange
	}
	h.keep = append(h.keep, raw)
	h.ranges = append(h.ranges, memRange{base: base, size: size})
	return &simPages{h: h, data: data, base: base, writable: true}, nil
}

type simMapping struct {
	h    *SimHost
	addr uintptr
	len  int
}

func (m *simMapping) Write(off int, p []byte) error {
	if off < 0 || off+len(p) > m.len {
		return host.ErrNoMemory
	}
	copy(mem.Slice(m.addr+uintptr(off), len(p)), p)
	return nil
}

func (m *simMapping) Unmap() error { return nil }

func (h *SimHost) Remap(addr uintptr, length int) (host.Mapping, error) {
	if !h.readable(addr, length) {
		return nil, host.ErrNoMemory
	}
	return &simMapping{h: h, addr: addr, len: length}, nil
}

func (h *SimHost) readable(addr uintptr, n int) bool {
	for _, r := range h.ranges {
		if r.contains(addr, n) {
			return true
		}
	}
	return false
}

func (h *SimHost) ProbeRead(addr uintptr, buf []byte) bool {
	if !h.readable(addr, len(buf)) {
		return false
	}
	copy(buf, mem.Slice(addr, len(buf)))
	return true
}

func (h *SimHost) ModuleBase(addr uintptr) (uintptr, bool) {
	for _, m := range h.modules {
		if m.contains(addr, 1) {
			return m.base, true
		}
	}
	return 0, false
}

// CurrentThreadID identifies the calling goroutine, standing in for a
// kernel thread id.
func (h *SimHost) CurrentThreadID() uint32 { return goroutineID() }

func (h *SimHost) ActiveProcessors() int { return h.CPUs }

// Rendezvous stops the simulated world: Execute readers block for the
// duration, and fn runs once per simulated processor.
func (h *SimHost) Rendezvous(fn func(cpu int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var wg sync.WaitGroup
	for cpu := 0; cpu < h.CPUs; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			fn(cpu)
		}(cpu)
	}
	wg.Wait()
}

// Execute runs f the way a non-rendezvous processor executes code: excluded
// from any patch window.
func (h *SimHost) Execute(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f()
}

func (h *SimHost) FlushInstructionCache(addr uintptr, length int) {
	h.FlushCalls++
}

func (h *SimHost) Yield() { runtime.Gosched() }

// goroutineID parses the numeric goroutine id from the stack header. The
// simulated host only needs ids to be stable and distinct per goroutine.
func goroutineID() uint32 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 1
	}
	id, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil || id == 0 {
		return 1
	}
	return uint32(id)
}
