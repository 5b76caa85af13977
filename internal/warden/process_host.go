package warden

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/umbradev/umbra/internal/protocol/wire"
)

const (
	// defaultStopGrace bounds the SIGTERM-to-SIGKILL window at close.
	defaultStopGrace = 2 * time.Second

	preambleTimeout = 5 * time.Second
)

var (
	ErrControlUnavailable = errors.New("warden: control connection not established")
	ErrChannelDialBack    = errors.New("warden: channel dial-back failed")
)

// ProcessHostConfig configures the exec-backed worker host.
type ProcessHostConfig struct {
	// BinaryPath is the worker executable, typically the shade binary.
	BinaryPath string
	Args       []string
	// StopGrace bounds how long Close waits after SIGTERM before SIGKILL.
	// Zero selects the default.
	StopGrace time.Duration
	Logger    zerolog.Logger
}

// NewProcessHostFactory returns a HostFactory that spawns the worker as a
// child process. The parent listens on the bootstrap transport address; the
// worker dials back and classifies each connection with a preamble line.
func NewProcessHostFactory(cfg ProcessHostConfig) HostFactory {
	return func(ctx context.Context, boot wire.Bootstrap) (Host, error) {
		return startProcessHost(ctx, cfg, boot)
	}
}

// ProcessHost is the single worker child process plus its accept loop. One
// control connection carries signals and notices; every brokered channel is
// its own dialed-back connection matched by nonce.
type ProcessHost struct {
	id        string
	logger    zerolog.Logger
	hub       *SignalHub
	listener  net.Listener
	sockPath  string
	cmd       *exec.Cmd
	stopGrace time.Duration

	controlOnce  sync.Once
	controlReady chan struct{}
	controlMu    sync.Mutex
	control      net.Conn

	pendingMu sync.Mutex
	pending   map[string]chan net.Conn

	visible atomic.Bool
	alive   atomic.Bool
	exited  chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func startProcessHost(ctx context.Context, cfg ProcessHostConfig, boot wire.Bootstrap) (*ProcessHost, error) {
	if cfg.BinaryPath == "" {
		return nil, errors.New("warden: worker binary path not set")
	}

	if err := os.MkdirAll(filepath.Dir(boot.TransportAddr), 0o755); err != nil {
		return nil, fmt.Errorf("warden: transport dir: %w", err)
	}
	// A stale socket from a crashed previous run blocks the bind.
	_ = os.Remove(boot.TransportAddr)

	listener, err := net.Listen("unix", boot.TransportAddr)
	if err != nil {
		return nil, fmt.Errorf("warden: listen %s: %w", boot.TransportAddr, err)
	}

	encoded, err := boot.Encode()
	if err != nil {
		listener.Close()
		return nil, err
	}

	// Termination is owned by Close, not by ctx: a cancelled creation
	// context must not SIGKILL a worker mid-teardown.
	args := append(append([]string{}, cfg.Args...), boot.Args...)
	cmd := exec.Command(cfg.BinaryPath, args...)
	env := append(os.Environ(), wire.BootstrapEnvVar+"="+encoded)
	for k, v := range boot.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stderr, err := cmd.StderrPipe()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("warden: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		listener.Close()
		return nil, fmt.Errorf("warden: start worker: %w", err)
	}

	h := &ProcessHost{
		id:           boot.HostID,
		logger:       cfg.Logger.With().Str("host_id", boot.HostID).Logger(),
		hub:          NewSignalHub(),
		listener:     listener,
		sockPath:     boot.TransportAddr,
		cmd:          cmd,
		stopGrace:    cfg.StopGrace,
		controlReady: make(chan struct{}),
		pending:      make(map[string]chan net.Conn),
		exited:       make(chan struct{}),
	}
	if h.stopGrace <= 0 {
		h.stopGrace = defaultStopGrace
	}
	h.alive.Store(true)

	go h.forwardStderr(stderr)
	go h.reap()
	go h.acceptLoop()

	h.logger.Info().Int("pid", cmd.Process.Pid).Str("socket", boot.TransportAddr).Msg("worker process started")
	return h, nil
}

func (h *ProcessHost) ID() string            { return h.id }
func (h *ProcessHost) Alive() bool           { return h.alive.Load() }
func (h *ProcessHost) Signals() SignalSource { return h.hub }
func (h *ProcessHost) Visible() bool         { return h.visible.Load() }

func (h *ProcessHost) forwardStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		h.logger.Debug().Str("stream", "stderr").Msg(sc.Text())
	}
}

func (h *ProcessHost) reap() {
	err := h.cmd.Wait()
	h.alive.Store(false)
	close(h.exited)
	if err != nil {
		h.logger.Info().Err(err).Msg("worker process exited")
		return
	}
	h.logger.Info().Msg("worker process exited cleanly")
}

func (h *ProcessHost) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		go h.admit(conn)
	}
}

// admit reads the preamble line and routes the connection: the control
// connection feeds the signal hub, channel connections complete pending
// dial-backs.
func (h *ProcessHost) admit(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(preambleTimeout))
	br := bufio.NewReader(conn)
	p, err := wire.ReadPreamble(br)
	if err != nil {
		h.logger.Warn().Err(err).Msg("rejecting connection with bad preamble")
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if p.HostID != h.id {
		h.logger.Warn().Str("got", p.HostID).Msg("rejecting connection for foreign host id")
		conn.Close()
		return
	}

	switch p.Kind {
	case wire.KindControl:
		h.attachControl(conn, br)
	case wire.KindChannel:
		h.deliverChannel(p.Nonce, &bufferedConn{Conn: conn, r: br})
	}
}

func (h *ProcessHost) attachControl(conn net.Conn, br *bufio.Reader) {
	h.controlMu.Lock()
	if h.control != nil {
		h.controlMu.Unlock()
		h.logger.Warn().Msg("rejecting duplicate control connection")
		conn.Close()
		return
	}
	h.control = conn
	h.controlMu.Unlock()
	h.controlOnce.Do(func() { close(h.controlReady) })

	for {
		env, err := wire.ReadEnvelope(br)
		if err != nil {
			h.logger.Debug().Err(err).Msg("control connection closed")
			return
		}
		switch env.Name {
		case wire.SignalIPCReady, wire.SignalInitDone, wire.SignalCloseRequest:
			h.hub.Publish(env.Name)
		default:
			h.logger.Warn().Str("name", env.Name).Msg("unknown control signal")
		}
	}
}

func (h *ProcessHost) deliverChannel(nonce string, conn net.Conn) {
	h.pendingMu.Lock()
	waiter, ok := h.pending[nonce]
	if ok {
		delete(h.pending, nonce)
	}
	h.pendingMu.Unlock()
	if !ok {
		h.logger.Warn().Str("nonce", nonce).Msg("dial-back for unknown channel nonce")
		conn.Close()
		return
	}
	waiter <- conn
}

// Notify writes one envelope on the control connection. It waits for the
// worker's control dial-back first, bounded by ctx.
func (h *ProcessHost) Notify(ctx context.Context, env wire.Envelope) error {
	select {
	case <-h.controlReady:
	case <-h.exited:
		return ErrControlUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	h.controlMu.Lock()
	defer h.controlMu.Unlock()
	if h.control == nil {
		return ErrControlUnavailable
	}
	if err := wire.WriteEnvelope(h.control, env); err != nil {
		return fmt.Errorf("warden: write control notice: %w", err)
	}
	return nil
}

// OpenChannel registers the nonce, asks the worker to dial back and waits
// for the matching channel connection.
func (h *ProcessHost) OpenChannel(ctx context.Context, nonce, service string) (net.Conn, error) {
	waiter := make(chan net.Conn, 1)
	h.pendingMu.Lock()
	h.pending[nonce] = waiter
	h.pendingMu.Unlock()

	abort := func() {
		h.pendingMu.Lock()
		delete(h.pending, nonce)
		h.pendingMu.Unlock()
		// The dial-back may have raced the abort.
		select {
		case conn := <-waiter:
			conn.Close()
		default:
		}
	}

	env := wire.Envelope{
		Name:        wire.NoticeChannelOpen,
		HostID:      h.id,
		Nonce:       nonce,
		Service:     service,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err := h.Notify(ctx, env); err != nil {
		abort()
		return nil, err
	}

	select {
	case conn := <-waiter:
		return conn, nil
	case <-h.exited:
		abort()
		return nil, fmt.Errorf("%w: worker exited", ErrChannelDialBack)
	case <-ctx.Done():
		abort()
		return nil, ctx.Err()
	}
}

func (h *ProcessHost) SetVisible(ctx context.Context, visible bool) error {
	h.visible.Store(visible)
	v := visible
	env := wire.Envelope{
		Name:        wire.NoticeVisibility,
		HostID:      h.id,
		Visible:     &v,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	return h.Notify(ctx, env)
}

// Close stops accepting, terminates the worker and reclaims the socket.
// SIGTERM first; SIGKILL after the grace window.
func (h *ProcessHost) Close() error {
	h.closeOnce.Do(func() {
		h.listener.Close()

		h.controlMu.Lock()
		if h.control != nil {
			h.control.Close()
		}
		h.controlMu.Unlock()

		select {
		case <-h.exited:
		default:
			if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				h.closeErr = fmt.Errorf("warden: signal worker: %w", err)
			}
			select {
			case <-h.exited:
			case <-time.After(h.stopGrace):
				h.logger.Warn().Dur("grace", h.stopGrace).Msg("worker ignored SIGTERM, killing")
				if err := h.cmd.Process.Kill(); err != nil && h.closeErr == nil {
					h.closeErr = fmt.Errorf("warden: kill worker: %w", err)
				}
				<-h.exited
			}
		}

		_ = os.Remove(h.sockPath)
		h.alive.Store(false)
	})
	return h.closeErr
}

// bufferedConn stitches bytes the preamble reader buffered back onto the
// connection, so channel payload written immediately after the preamble is
// not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
