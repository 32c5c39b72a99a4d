// Package ws serves the kernel console over WebSocket.
//
// Each connection is a console session. The server replays what was
// printed so far, then streams new output as threads print it. Clients
// can type into the console and make syscalls over the same socket.
//
// Message Types (Client → Server):
//   - input: print text as the thread in "thread" (the root by default)
//   - syscall: perform "request", a syscall by name
//   - ping: keep-alive ping
//
// Message Types (Server → Client):
//   - system: session opened, carries the console so far
//   - output: new console output
//   - reply: result of a syscall
//   - pong: ping answer
//   - error: request failed
//
// Example Usage:
//
//	handler := ws.NewHandler(host, metrics, logger)
//	router.GET("/console", handler.HandleConnection)
package ws
