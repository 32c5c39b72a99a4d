// Package grpc serves the kernel over gRPC and provides its client.
//
// The capkernel.v1.Kernel service has no generated stubs: requests and
// replies are the service package's Go types, carried by a codec that
// encodes them as JSON and passes protobuf messages through unchanged so
// the standard health service shares the server.
//
// Example Usage:
//
//	srv := grpc.NewServer(host, metrics, tracer, logger)
//	go srv.Serve(lis)
//
//	client, err := grpc.NewClient("localhost:50051", 5*time.Second, tracer)
//	reply, err := client.Syscall(ctx, service.SyscallRequest{Syscall: "Yield"})
package grpc
