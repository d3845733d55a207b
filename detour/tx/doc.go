// Package tx implements the transactional heart of the detour engine:
// all-or-nothing batches of attach and detach operations applied atomically
// with respect to every other processor.
//
// Transaction protocol:
//  1. TransactionBegin() - claim ownership via CAS on the thread id, flip
//     trampoline regions writable
//  2. Attach()/Detach() - validate, build trampolines, record pending
//     operations; the live target bytes stay untouched
//  3. TransactionCommit() - apply every pending patch from inside a
//     processor rendezvous, then release aliases and restore protections
//
// A failure between begin and commit latches a first error; commit then
// aborts and reports it. A zero detour or a nil slot pointer is rejected
// without latching. Abort rolls back by freeing trampolines and
// releasing writable aliases, so a failed transaction never modifies a
// target.
//
// The Engine is the process-wide context object; pkg/detours exposes a
// shared instance behind the conventional entry points.
package tx
