package warden

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/umbradev/umbra/internal/protocol/wire"
)

var (
	ErrHostAlreadyCreated = errors.New("warden: host already created")
	ErrHostCreateFailed   = errors.New("warden: host creation failed")
	ErrHandshakeStall     = errors.New("warden: handshake stalled")
)

const (
	ReasonClosed    = "closed"
	ReasonDestroyed = "destroyed"
)

// HostUnavailableError reports a channel request against a missing or
// destroyed worker host.
type HostUnavailableError struct {
	Reason string
}

func (e *HostUnavailableError) Error() string {
	return fmt.Sprintf("warden: worker host unavailable: %s", e.Reason)
}

// HostState tracks coordinator progress. Transitions are monotonic except
// that StateClosed is reachable from any state.
type HostState int32

const (
	StateUnspawned HostState = iota
	StateSpawning
	StateStarted
	StateIPCReady
	StateInitialized
	StateShuttingDown
	StateClosed
)

func (s HostState) String() string {
	switch s {
	case StateUnspawned:
		return "unspawned"
	case StateSpawning:
		return "spawning"
	case StateStarted:
		return "started"
	case StateIPCReady:
		return "ipc_ready"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Host is one live worker host instance. Exactly one exists per coordinator
// lifetime; the manager owns creation and disposal.
type Host interface {
	ID() string
	// Alive reports the liveness predicate: false once destroyed.
	Alive() bool
	Signals() SignalSource
	// Notify delivers one control notice to the worker, best-effort.
	Notify(ctx context.Context, env wire.Envelope) error
	// OpenChannel delivers a channel.open notice and returns the parent end
	// of the fresh bidirectional channel. Every call yields a distinct
	// channel; the broker never inspects its contents.
	OpenChannel(ctx context.Context, nonce, service string) (net.Conn, error)
	Visible() bool
	SetVisible(ctx context.Context, visible bool) error
	// Close destroys the host. Errors are recorded by callers, never fatal.
	Close() error
}

// HostFactory builds the single worker host from its bootstrap payload.
type HostFactory func(ctx context.Context, boot wire.Bootstrap) (Host, error)
