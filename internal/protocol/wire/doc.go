// Package wire owns the parent<->worker control contract.
//
// Ownership boundary:
// - connection preambles
//
// - control envelopes (signals and notices)
//
// - bootstrap payload encoding
//
// Signal ordering: the worker emits host.ipc.ready before host.init.done.
// The contract relies on program order at the worker; the coordinator does
// not enforce it.
package wire
