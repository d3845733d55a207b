// Package insn supplies the engine's instruction copiers: the external
// collaborators that move exactly one instruction into a trampoline while
// keeping PC-relative operands correct at the new address.
//
// The engine treats the copier as opaque; these defaults cover the common
// compiler-emitted prologues. X86/X64 relocation is driven by
// golang.org/x/arch/x86/x86asm, ARM64 by golang.org/x/arch/arm64/arm64asm
// plus bit-level re-encoding through the trampoline's literal pool.
// Instructions that cannot be rewritten in place fail the copy, which fails
// the enclosing attach.
package insn
