// Package service hosts one booted kernel for the network front ends.
//
// A Host owns the kernel behind a Machine, so HTTP handlers, websocket
// consoles and gRPC calls can drive it concurrently. It resolves threads
// by name or address, translates named requests into syscalls, fans new
// console output out to subscribers and saves snapshots.
//
// Example Usage:
//
//	host, err := service.New(kernel.DefaultConfig(), boot.Default(), service.Options{})
//	reply, err := host.Syscall(ctx, service.SyscallRequest{Thread: "init", Syscall: "Yield"})
package service
