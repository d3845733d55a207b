//go:build linux

package host

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/joshuapare/detourkit/internal/mem"
)

// Local returns a host backed by the running process: mmap for trampoline
// regions, mprotect for W^X flipping, and /proc/self/mem for writable
// aliases, so the target mapping's own protection is never changed.
func Local() (Host, error) {
	f, err := os.OpenFile("/proc/self/mem", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("host: open /proc/self/mem: %w", err)
	}
	return &localHost{mem: f}, nil
}

type localHost struct {
	mem *os.File // self memory, bypasses page protection on write
}

func (h *localHost) PageSize() int { return os.Getpagesize() }

type localPages struct {
	data []byte
}

func (p *localPages) Base() uintptr { return mem.Addr(p.data) }
func (p *localPages) Size() int     { return len(p.data) }

func (p *localPages) Protect(writable bool) error {
	prot := unix.PROT_READ | unix.PROT_EXEC
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(p.data, prot)
}

func (p *localPages) Free() error {
	data := p.data
	p.data = nil
	return unix.Munmap(data)
}

// allocAttempts bounds the hint sweep used to land a mapping inside a
// reachability window.
const allocAttempts = 64

func (h *localHost) AllocPages(size int, lo, hi uintptr) (Pages, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	// mmap treats the address as a hint only, so sweep candidate hints
	// across the window and keep the first result that actually lands
	// inside it.
	span := uintptr(0)
	if hi > lo {
		span = (hi - lo) / allocAttempts
	}
	for i := 0; i < allocAttempts; i++ {
		hint := lo + span*uintptr(i)
		data, err := mmapHint(hint, size, prot, flags)
		if err != nil {
			continue
		}
		base := mem.Addr(data)
		if base >= lo && base+uintptr(size) <= hi {
			return &localPages{data: data}, nil
		}
		_ = unix.Munmap(data)
	}
	return nil, ErrOutOfRange
}

func mmapHint(hint uintptr, size, prot, flags int) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, hint, uintptr(size),
		uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errno
	}
	return mem.Slice(addr, size), nil
}

type localMapping struct {
	mem  *os.File
	addr uintptr
	len  int
}

func (m *localMapping) Write(off int, p []byte) error {
	if off < 0 || off+len(p) > m.len {
		return fmt.Errorf("host: write outside alias [%d,%d)", off, off+len(p))
	}
	_, err := m.mem.WriteAt(p, int64(m.addr)+int64(off))
	return err
}

func (m *localMapping) Unmap() error { return nil }

func (h *localHost) Remap(addr uintptr, length int) (Mapping, error) {
	// Verify the range is mapped before handing out an alias.
	buf := make([]byte, length)
	if !h.ProbeRead(addr, buf) {
		return nil, ErrNoMemory
	}
	return &localMapping{mem: h.mem, addr: addr, len: length}, nil
}

func (h *localHost) ProbeRead(addr uintptr, buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}
	n, err := unix.ProcessVMReadv(unix.Getpid(), local, remote, 0)
	return err == nil && n == len(buf)
}

func (h *localHost) ModuleBase(addr uintptr) (uintptr, bool) {
	// PE modules do not exist on this platform; import-thunk skipping
	// simply never follows an indirect jump.
	return 0, false
}

func (h *localHost) CurrentThreadID() uint32 { return uint32(unix.Gettid()) }

func (h *localHost) ActiveProcessors() int { return runtime.NumCPU() }

// Rendezvous approximates an IPI generic call: one OS-thread-locked
// goroutine per processor, affinity-bound where the kernel allows it, all
// released through a common barrier.
func (h *localHost) Rendezvous(fn func(cpu int)) {
	n := h.ActiveProcessors()
	var ready, done sync.WaitGroup
	ready.Add(n)
	done.Add(n)
	release := make(chan struct{})
	for cpu := 0; cpu < n; cpu++ {
		go func(cpu int) {
			defer done.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			var set unix.CPUSet
			set.Set(cpu)
			_ = unix.SchedSetaffinity(0, &set) // best effort
			ready.Done()
			<-release
			fn(cpu)
		}(cpu)
	}
	ready.Wait()
	close(release)
	done.Wait()
}

func (h *localHost) FlushInstructionCache(addr uintptr, length int) {
	// x86 keeps its instruction cache coherent; arm64 Linux would need a
	// cache-maintenance syscall that user space cannot issue portably.
}

func (h *localHost) Yield() { runtime.Gosched() }
