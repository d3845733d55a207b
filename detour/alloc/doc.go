// Package alloc manages trampoline memory: fixed-size slots carved out of
// page-sized executable regions obtained from the host.
//
// # Regions
//
// Each region is one system page. The first slot is reserved for the region
// header signature; the remaining floor(page/slot)-1 slots form the
// allocation pool. Regions are linked into a global list with a rotating
// default cursor, so repeated allocations for nearby targets reuse the same
// region without rescanning the list.
//
// # Reachability
//
// Alloc places every slot inside the reachability window of its target
// (arch.Pack.FindJumpBounds) and outside the configured system region, so a
// short PC-relative jump between target and trampoline always encodes.
//
// # Free lists
//
// Free slots are tracked by an explicit per-region index stack plus a
// liveness bitmap, rather than threading a next pointer through slot memory.
// A slot is on exactly one region's free list or owned by exactly one live
// detour, never both.
//
// # Protection
//
// SetWritable and SetExecutable flip every region between RWX and RX; the
// transaction holds regions writable from begin to commit or abort.
package alloc
