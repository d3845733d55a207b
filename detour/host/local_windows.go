//go:build windows

package host

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstrCache     = kernel32.NewProc("FlushInstructionCache")
	procSetThreadAffinity   = kernel32.NewProc("SetThreadAffinityMask")
	procGetSystemInfo       = kernel32.NewProc("GetSystemInfo")
	procGetActiveProcessors = kernel32.NewProc("GetActiveProcessorCount")
)

// allProcessorGroups selects every processor group for
// GetActiveProcessorCount.
const allProcessorGroups = 0xffff

// Local returns a host backed by the running process: VirtualAlloc for
// trampoline regions, VirtualProtect for W^X flipping, and
// WriteProcessMemory for writable aliases of target code.
func Local() (Host, error) {
	return &localHost{self: windows.CurrentProcess()}, nil
}

type localHost struct {
	self windows.Handle
}

type systemInfo struct {
	processorArchitecture     uint16
	reserved                  uint16
	pageSize                  uint32
	minimumApplicationAddress uintptr
	maximumApplicationAddress uintptr
	activeProcessorMask       uintptr
	numberOfProcessors        uint32
	processorType             uint32
	allocationGranularity     uint32
	processorLevel            uint16
	processorRevision         uint16
}

func getSystemInfo() systemInfo {
	var si systemInfo
	_, _, _ = procGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
	return si
}

func (h *localHost) PageSize() int { return int(getSystemInfo().pageSize) }

type localPages struct {
	base uintptr
	size int
}

func (p *localPages) Base() uintptr { return p.base }
func (p *localPages) Size() int     { return p.size }

func (p *localPages) Protect(writable bool) error {
	prot := uint32(windows.PAGE_EXECUTE_READ)
	if writable {
		prot = windows.PAGE_EXECUTE_READWRITE
	}
	var old uint32
	return windows.VirtualProtect(p.base, uintptr(p.size), prot, &old)
}

func (p *localPages) Free() error {
	return windows.VirtualFree(p.base, 0, windows.MEM_RELEASE)
}

// allocAttempts bounds the address sweep used to land an allocation inside a
// reachability window.
const allocAttempts = 1024

func (h *localHost) AllocPages(size int, lo, hi uintptr) (Pages, error) {
	si := getSystemInfo()
	gran := uintptr(si.allocationGranularity)
	if lo < si.minimumApplicationAddress {
		lo = si.minimumApplicationAddress
	}
	if hi > si.maximumApplicationAddress {
		hi = si.maximumApplicationAddress
	}

	// VirtualAlloc fails rather than relocating when the address is taken,
	// so walk allocation-granularity slots across the window.
	addr := (lo + gran - 1) &^ (gran - 1)
	for i := 0; i < allocAttempts && addr+uintptr(size) <= hi; i++ {
		base, err := windows.VirtualAlloc(addr, uintptr(size),
			windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
		if err == nil && base >= lo && base+uintptr(size) <= hi {
			return &localPages{base: base, size: size}, nil
		}
		if err == nil {
			_ = windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		}
		addr += gran
	}
	return nil, ErrOutOfRange
}

type localMapping struct {
	self windows.Handle
	addr uintptr
	len  int
}

func (m *localMapping) Write(off int, p []byte) error {
	if off < 0 || off+len(p) > m.len {
		return fmt.Errorf("host: write outside alias [%d,%d)", off, off+len(p))
	}
	var n uintptr
	return windows.WriteProcessMemory(m.self, m.addr+uintptr(off), &p[0], uintptr(len(p)), &n)
}

func (m *localMapping) Unmap() error { return nil }

func (h *localHost) Remap(addr uintptr, length int) (Mapping, error) {
	buf := make([]byte, length)
	if !h.ProbeRead(addr, buf) {
		return nil, ErrNoMemory
	}
	return &localMapping{self: h.self, addr: addr, len: length}, nil
}

func (h *localHost) ProbeRead(addr uintptr, buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	var n uintptr
	err := windows.ReadProcessMemory(h.self, addr, &buf[0], uintptr(len(buf)), &n)
	return err == nil && n == uintptr(len(buf))
}

func (h *localHost) ModuleBase(addr uintptr) (uintptr, bool) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return 0, false
	}
	if mbi.AllocationBase == 0 {
		return 0, false
	}
	return mbi.AllocationBase, true
}

func (h *localHost) CurrentThreadID() uint32 { return windows.GetCurrentThreadId() }

func (h *localHost) ActiveProcessors() int {
	n, _, _ := procGetActiveProcessors.Call(allProcessorGroups)
	if n == 0 {
		return runtime.NumCPU()
	}
	return int(n)
}

// Rendezvous approximates KeIpiGenericCall: one OS-thread-locked goroutine
// per processor, affinity-bound, all released through a common barrier.
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
			_, _, _ = procSetThreadAffinity.Call(
				uintptr(windows.CurrentThread()), uintptr(1)<<uint(cpu%64))
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
	_, _, _ = procFlushInstrCache.Call(uintptr(h.self), addr, uintptr(length))
}

func (h *localHost) Yield() { runtime.Gosched() }
