// Package warden owns the worker-host lifecycle and channel brokering.
//
// Ownership boundary:
// - readiness gating and handshake sequencing
//
// - single worker host creation and teardown
//
// - per-request channel brokering
//
// Lifecycle order:
// - spawn -> create -> ipc-ready -> init-done
//
// - teardown is best-effort and reachable from any state.
//
// Warden has no self-healing policy: a crashed host never resolves its
// milestones and is only replaced by an external restart.
package warden
