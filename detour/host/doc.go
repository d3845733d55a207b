// Package host defines the primitives the detour engine borrows from its
// surroundings: page allocation for trampoline regions, writable aliasing of
// target code, fault-tolerant memory probing, processor identity, and the
// all-processor rendezvous that makes patching atomic.
//
// Local() returns a best-effort implementation for the current operating
// system (Linux and Windows); tests use a simulated host with fully
// controlled addresses and processors. The engine itself never touches page
// tables or threads except through this interface.
package host
