// Package kernel implements the core of a capability microkernel: the
// object store, capability lookup and derivation, the preemptible deletion
// and revocation engine, untyped retype, the scheduler, synchronous and
// asynchronous IPC with a fast path, and system call dispatch.
//
// A Kernel is single-threaded. Every exported method that changes state
// must be called from one goroutine at a time; Machine adds the locking and
// halt recovery the outer layers need.
//
// Operations that cannot complete return a *KernelError whose Kind is one
// of the Exception values. Nothing is kept in process-wide fault variables:
// faults, lookup failures and syscall errors travel as return values until
// the dispatcher turns them into a fault message or an error reply.
package kernel
