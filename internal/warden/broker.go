package warden

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umbradev/umbra/internal/observability"
)

// Channel is one brokered bidirectional endpoint. The requester exclusively
// owns Conn; the worker owns the other end; the broker retains no reference
// after handoff.
type Channel struct {
	Nonce    string
	Service  string
	Conn     net.Conn
	OpenedAt time.Time
}

// Broker serves channel requests from arbitrary client contexts. Requests
// are served independently once readiness is reached; there is no queuing
// or rate limiting.
type Broker struct {
	coord   *Coordinator
	manager *HostManager
	logger  zerolog.Logger
}

func NewBroker(coord *Coordinator, manager *HostManager, logger zerolog.Logger) *Broker {
	return &Broker{
		coord:   coord,
		manager: manager,
		logger:  logger,
	}
}

// RequestChannel waits for ipc readiness, asserts the host is live and
// returns a fresh channel. No two calls share a channel. A missing or
// destroyed host fails fast with HostUnavailableError instead of hanging.
func (b *Broker) RequestChannel(ctx context.Context, service string) (*Channel, error) {
	if err := b.coord.WhenIPCReady(ctx); err != nil {
		return nil, err
	}

	host := b.manager.CurrentHost()
	if host == nil {
		return nil, &HostUnavailableError{Reason: ReasonClosed}
	}
	if !host.Alive() {
		return nil, &HostUnavailableError{Reason: ReasonDestroyed}
	}

	nonce := uuid.NewString()
	conn, err := host.OpenChannel(ctx, nonce, service)
	if err != nil {
		return nil, fmt.Errorf("warden: open channel %q: %w", service, err)
	}

	observability.RecordChannelOpened(service)
	b.logger.Debug().
		Str("host_id", host.ID()).
		Str("service", service).
		Str("nonce", nonce).
		Msg("channel brokered")

	return &Channel{
		Nonce:    nonce,
		Service:  service,
		Conn:     conn,
		OpenedAt: time.Now(),
	}, nil
}

// ToggleInspector flips the worker's diagnostic surface. A missing host is
// tolerated: calls after disposal are a no-op.
func (b *Broker) ToggleInspector(ctx context.Context) error {
	if err := b.coord.WhenIPCReady(ctx); err != nil {
		return err
	}

	host := b.manager.CurrentHost()
	if host == nil {
		return nil
	}

	next := !host.Visible()
	if err := host.SetVisible(ctx, next); err != nil {
		return fmt.Errorf("warden: toggle inspector: %w", err)
	}
	b.logger.Info().Str("host_id", host.ID()).Bool("visible", next).Msg("inspector toggled")
	return nil
}
