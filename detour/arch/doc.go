// Package arch contains the per-ISA knowledge the detour engine needs:
// jump emission, jump-skipping through import thunks and patch stubs,
// reachability bounds for trampoline placement, end-of-function detection,
// and code-filler recognition.
//
// # Packs
//
// Each supported instruction set (X86, X64, ARM Thumb-2, ARM64) implements
// the Pack interface. All packs are pure byte-level logic and compile on
// every host, so their behavior is testable regardless of GOARCH; Native()
// returns the pack matching the build target.
//
// # Slot layout
//
// A Pack also describes the memory layout of a trampoline slot for its ISA
// (SlotLayout): the relocated-code buffer, the restore buffer, the alignment
// table, and the pointer cells that emitted indirect jumps dereference at
// run time.
package arch
