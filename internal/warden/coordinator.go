package warden

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/umbradev/umbra/internal/observability"
	"github.com/umbradev/umbra/internal/protocol/wire"
)

// CoordinatorConfig tunes handshake sequencing.
type CoordinatorConfig struct {
	// HandshakeTimeout bounds each milestone wait. Zero means wait forever,
	// matching the contract that a crashed worker simply never resolves.
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// Coordinator drives the worker through its two readiness milestones.
// Both milestones are memoized: only the first caller performs side
// effects, and every caller observes the same eventual outcome.
type Coordinator struct {
	manager          *HostManager
	logger           zerolog.Logger
	handshakeTimeout time.Duration

	// runCtx is the coordinator lifetime. Triggers run on it rather than on
	// the first caller's request context, so a cancelled first caller
	// cannot poison the shared handshake.
	runCtx context.Context

	ipcReady *Milestone
	initDone *Milestone

	hostUpOnce sync.Once
	hostUp     chan struct{}
	hostErr    error
}

func NewCoordinator(runCtx context.Context, manager *HostManager, cfg CoordinatorConfig) *Coordinator {
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Coordinator{
		manager:          manager,
		logger:           cfg.Logger,
		handshakeTimeout: cfg.HandshakeTimeout,
		runCtx:           runCtx,
		ipcReady:         NewMilestone(),
		initDone:         NewMilestone(),
		hostUp:           make(chan struct{}),
	}
}

// WhenIPCReady resolves once the worker host exists and has signalled
// host.ipc.ready. The first access waits the readiness gate, creates the
// host exactly once and registers its lifecycle listeners.
func (c *Coordinator) WhenIPCReady(ctx context.Context) error {
	c.ipcReady.Start(c.establishIPC)
	return c.ipcReady.Wait(ctx)
}

// WhenReady resolves once the worker has signalled host.init.done. It does
// not gate on WhenIPCReady beyond sharing the single host-creation path;
// signal ordering is the worker's contract.
func (c *Coordinator) WhenReady(ctx context.Context) error {
	c.initDone.Start(c.awaitInitDone)
	return c.initDone.Wait(ctx)
}

func (c *Coordinator) establishIPC() error {
	start := time.Now()

	if err := c.manager.Gate().Wait(c.runCtx); err != nil {
		c.markHostUp(err)
		return err
	}

	host, err := c.manager.CreateHost(c.runCtx)
	if err != nil {
		c.markHostUp(err)
		return err
	}
	c.markHostUp(nil)

	ch, cancel := host.Signals().Subscribe(wire.SignalIPCReady)
	defer cancel()
	if err := c.waitSignal(ch, "ipc_ready"); err != nil {
		return err
	}

	c.manager.advance(StateIPCReady)
	observability.RecordHandshake("ipc_ready", time.Since(start))
	c.logger.Info().Str("host_id", host.ID()).Dur("elapsed", time.Since(start)).Msg("worker host ipc ready")
	return nil
}

func (c *Coordinator) awaitInitDone() error {
	start := time.Now()

	// Share the single-flight creation path instead of creating a second
	// host when this milestone is accessed first.
	c.ipcReady.Start(c.establishIPC)

	select {
	case <-c.hostUp:
	case <-c.runCtx.Done():
		return c.runCtx.Err()
	}
	if c.hostErr != nil {
		return c.hostErr
	}

	host := c.manager.CurrentHost()
	if host == nil {
		return &HostUnavailableError{Reason: ReasonClosed}
	}

	ch, cancel := host.Signals().Subscribe(wire.SignalInitDone)
	defer cancel()
	if err := c.waitSignal(ch, "init_done"); err != nil {
		return err
	}

	c.manager.advance(StateInitialized)
	observability.RecordHandshake("init_done", time.Since(start))
	c.logger.Info().Str("host_id", host.ID()).Dur("elapsed", time.Since(start)).Msg("worker host initialized")
	return nil
}

func (c *Coordinator) waitSignal(ch <-chan Signal, milestone string) error {
	var stall <-chan time.Time
	if c.handshakeTimeout > 0 {
		timer := time.NewTimer(c.handshakeTimeout)
		defer timer.Stop()
		stall = timer.C
	}
	select {
	case <-ch:
		return nil
	case <-stall:
		return fmt.Errorf("%w: %s", ErrHandshakeStall, milestone)
	case <-c.runCtx.Done():
		return c.runCtx.Err()
	}
}

func (c *Coordinator) markHostUp(err error) {
	c.hostUpOnce.Do(func() {
		c.hostErr = err
		close(c.hostUp)
	})
}
