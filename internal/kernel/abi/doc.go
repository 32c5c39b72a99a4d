/*
Package abi defines the user-visible kernel ABI.

# Overview

Everything in this package is shared bit-for-bit with user-level libraries:
syscall numbers, the packed message-info word, the IPC buffer layout,
invocation labels, error codes and the per-fault message register layouts.
The kernel engine and every transport (HTTP, gRPC, websocket console,
scenario runner) encode and decode through these types only.

# Message registers

A message travels in NumMsgRegisters architectural registers first and
overflows into the sender's IPC buffer:

	mr0..mr3   -> X2..X5
	mr4..mr119 -> IPCBuffer.Msg[4..119]

The message-info word rides in X1 and the capability pointer (or the
delivered badge, on the receive side) in X0.
*/
package abi
