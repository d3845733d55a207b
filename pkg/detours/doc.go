// Package detours is the public surface of the interception engine: the
// conventional transactional entry points bound to one process-wide engine.
//
// Usage follows the classic transaction shape:
//
//	if err := detours.TransactionBegin(); err != nil {
//		return err
//	}
//	if err := detours.Attach(&realSleep, mySleep); err != nil {
//		detours.TransactionAbort()
//		return err
//	}
//	if err := detours.TransactionCommit(); err != nil {
//		return err
//	}
//
// After commit, realSleep points at the trampoline: calling through it runs
// the original function. Detach in a later transaction restores the target
// bytes exactly.
//
// The process-wide engine binds the local host, native pack, and native
// copier on first use; Use replaces it for embedders that need a custom
// host or instruction copier.
package detours
