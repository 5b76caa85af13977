package warden

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/umbradev/umbra/internal/observability"
	"github.com/umbradev/umbra/internal/protocol/wire"
)

// defaultExitNoticeGrace bounds how long Teardown waits for the exit
// notice to go out before closing the host anyway.
const defaultExitNoticeGrace = 2 * time.Second

// ManagerConfig configures the single-host manager.
type ManagerConfig struct {
	Factory HostFactory
	// Bootstrap is the payload template: identity, paths, transport address
	// and log level. Its Env is the baseline the spawn overlays merge into.
	Bootstrap wire.Bootstrap
	// ExitNoticeGrace bounds the exit notice at teardown. Zero selects the
	// default.
	ExitNoticeGrace time.Duration
	Logger          zerolog.Logger
}

// HostManager owns creation, configuration and disposal of exactly one
// worker host per coordinator lifetime.
type HostManager struct {
	logger      zerolog.Logger
	factory     HostFactory
	gate        *Gate
	noticeGrace time.Duration
	state       atomic.Int32

	mu       sync.Mutex
	boot     wire.Bootstrap
	baseline map[string]string
	host     Host
	created  bool

	vetoCancel func()
	vetoStop   chan struct{}
	vetoOnce   sync.Once
}

func NewHostManager(cfg ManagerConfig) *HostManager {
	baseline := make(map[string]string, len(cfg.Bootstrap.Env))
	for k, v := range cfg.Bootstrap.Env {
		baseline[k] = v
	}
	grace := cfg.ExitNoticeGrace
	if grace <= 0 {
		grace = defaultExitNoticeGrace
	}
	return &HostManager{
		logger:      cfg.Logger,
		factory:     cfg.Factory,
		gate:        NewGate(),
		noticeGrace: grace,
		boot:        cfg.Bootstrap,
		baseline:    baseline,
	}
}

func (m *HostManager) Gate() *Gate {
	return m.gate
}

// Spawn merges the environment overlay into the baseline (last overlay
// wins) and opens the readiness gate. Merges after the gate opened are
// accepted but not retroactively applied to an already-created host.
func (m *HostManager) Spawn(overlay map[string]string) {
	m.mu.Lock()
	for k, v := range overlay {
		m.baseline[k] = v
	}
	m.mu.Unlock()
	m.gate.Open()
}

// CreateHost builds the bootstrap payload from the current baseline and
// creates the worker host. At most one call succeeds; a second call is a
// logic error, since double-creation would orphan a host.
func (m *HostManager) CreateHost(ctx context.Context) (Host, error) {
	m.mu.Lock()
	if m.created {
		m.mu.Unlock()
		return nil, ErrHostAlreadyCreated
	}
	m.created = true
	boot := m.boot
	boot.Env = make(map[string]string, len(m.baseline))
	for k, v := range m.baseline {
		boot.Env[k] = v
	}
	m.advance(StateSpawning)
	m.mu.Unlock()

	host, err := m.factory(ctx, boot)
	if err != nil {
		m.advance(StateClosed)
		observability.RecordHostSpawn("error")
		m.logger.Error().Err(err).Str("host_id", boot.HostID).Msg("worker host creation failed")
		return nil, fmt.Errorf("%w: %v", ErrHostCreateFailed, err)
	}

	m.mu.Lock()
	m.host = host
	m.registerCloseVeto(host)
	m.advance(StateStarted)
	m.mu.Unlock()

	observability.RecordHostSpawn("ok")
	m.logger.Info().Str("host_id", host.ID()).Msg("worker host created")
	return host, nil
}

// CurrentHost returns the live host handle, or nil before creation and
// after teardown.
func (m *HostManager) CurrentHost() Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

func (m *HostManager) State() HostState {
	return HostState(m.state.Load())
}

// advance moves the state forward. Closed is reachable from anywhere;
// all other transitions are monotonic.
func (m *HostManager) advance(next HostState) {
	for {
		cur := m.state.Load()
		if next != StateClosed && HostState(cur) >= next {
			return
		}
		if m.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// registerCloseVeto intercepts the worker's own close requests: by default
// the host is hidden rather than destroyed, so only the shutdown path can
// tear it down. Caller holds m.mu.
func (m *HostManager) registerCloseVeto(host Host) {
	ch, cancel := host.Signals().Subscribe(wire.SignalCloseRequest)
	stop := make(chan struct{})
	m.vetoCancel = cancel
	m.vetoStop = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ch:
				observability.RecordCloseVeto()
				m.logger.Info().Str("host_id", host.ID()).Msg("worker close request vetoed, hiding host")
				if err := host.SetVisible(context.Background(), false); err != nil {
					m.logger.Warn().Err(err).Msg("hide after close veto failed")
				}
			}
		}
	}()
}

func (m *HostManager) removeCloseVeto() {
	m.vetoOnce.Do(func() {
		if m.vetoCancel != nil {
			m.vetoCancel()
		}
		if m.vetoStop != nil {
			close(m.vetoStop)
		}
	})
}

// TeardownResult records a best-effort teardown. It never raises: close
// failures are recorded and delivered on Closed, not returned.
type TeardownResult struct {
	HostExisted bool
	NotifyErr   error
	VetoRemoved bool
	// Closed receives the deferred close outcome exactly once. Nil when no
	// host existed. Callers must not block on it without their own bound.
	Closed <-chan error
}

// Teardown drives the ordered best-effort shutdown of the worker host:
// exit notice, veto removal, deferred fire-and-forget close.
func (m *HostManager) Teardown(ctx context.Context) TeardownResult {
	m.mu.Lock()
	host := m.host
	if host == nil {
		m.mu.Unlock()
		return TeardownResult{}
	}
	// Cleared before the exit notice so channel requesters fail fast
	// instead of racing the dying host.
	m.host = nil
	m.advance(StateShuttingDown)
	m.mu.Unlock()

	res := TeardownResult{HostExisted: true}

	if host.Alive() {
		env := wire.Envelope{
			Name:        wire.NoticeExitRequest,
			HostID:      host.ID(),
			TimestampMS: uint64(time.Now().UnixMilli()),
		}
		// The notice is best-effort: a worker that never attached its
		// control connection must not stall shutdown past the grace window.
		nctx, cancel := context.WithTimeout(ctx, m.noticeGrace)
		err := host.Notify(nctx, env)
		cancel()
		if err != nil {
			res.NotifyErr = err
			m.logger.Warn().Err(err).Str("host_id", host.ID()).Msg("exit notice failed")
		}
	}

	// The veto must be gone before the close is issued, or the close would
	// be intercepted like any other close attempt.
	m.removeCloseVeto()
	res.VetoRemoved = true

	closed := make(chan error, 1)
	res.Closed = closed
	go func() {
		// Deferred by one scheduling tick: closing inline during parent
		// shutdown is unstable on some platforms.
		err := host.Close()
		if err != nil {
			m.logger.Warn().Err(err).Str("host_id", host.ID()).Msg("worker host close failed, ignoring")
			observability.RecordHostTeardown("close_error")
		} else {
			observability.RecordHostTeardown("ok")
		}
		closed <- err
	}()

	m.advance(StateClosed)
	m.logger.Info().Str("host_id", host.ID()).Msg("worker host teardown issued")
	return res
}
