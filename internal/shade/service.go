package shade

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/umbradev/umbra/internal/protocol/wire"
	"github.com/umbradev/umbra/internal/recents"
	"github.com/umbradev/umbra/internal/secrets"
)

// Config assembles the worker runtime from its bootstrap payload.
type Config struct {
	Bootstrap wire.Bootstrap
	// InspectAddr is where the inspector binds while visible.
	InspectAddr  string
	RecentsLimit int
	SecretsTTL   time.Duration
	Logger       zerolog.Logger
}

// Service is the worker host runtime: one control connection to the parent,
// channel services on demand, an inspector gated by visibility.
type Service struct {
	logger      zerolog.Logger
	boot        wire.Bootstrap
	inspectAddr string
	started     time.Time

	recents   *recents.Registry
	secrets   *secrets.Facade
	inspector *Inspector

	writeMu sync.Mutex
	control net.Conn
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Bootstrap.Validate(); err != nil {
		return nil, err
	}
	if cfg.InspectAddr == "" {
		cfg.InspectAddr = "127.0.0.1:0"
	}

	cacheDir := cfg.Bootstrap.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(cfg.Bootstrap.AppRoot, "cache")
	}

	registry, err := recents.Open(filepath.Join(cacheDir, "recents.json"), cfg.RecentsLimit, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("shade: recents: %w", err)
	}

	s := &Service{
		logger:      cfg.Logger.With().Str("host_id", cfg.Bootstrap.HostID).Logger(),
		boot:        cfg.Bootstrap,
		inspectAddr: cfg.InspectAddr,
		started:     time.Now(),
		recents:     registry,
		secrets:     secrets.NewFacade(secrets.NewMemoryStore(), cfg.SecretsTTL, cfg.Logger),
	}
	s.inspector = NewInspector(cfg.Bootstrap.HostID, cfg.InspectAddr, s.statusSnapshot, s.logger)
	return s, nil
}

// Run connects to the parent and serves until the parent requests exit, the
// control connection drops or ctx is cancelled. An interrupt does not exit:
// it forwards a close request and lets the parent decide.
func (s *Service) Run(ctx context.Context) error {
	conn, err := net.Dial("unix", s.boot.TransportAddr)
	if err != nil {
		return fmt.Errorf("shade: dial parent: %w", err)
	}
	defer conn.Close()
	s.control = conn

	if err := wire.WritePreamble(conn, wire.Preamble{Kind: wire.KindControl, HostID: s.boot.HostID}); err != nil {
		return fmt.Errorf("shade: preamble: %w", err)
	}
	if err := s.signal(wire.SignalIPCReady); err != nil {
		return err
	}

	// Services were built in New; the gap between the two signals is where
	// any remaining warm-up belongs.
	if err := s.signal(wire.SignalInitDone); err != nil {
		return err
	}
	s.logger.Info().Str("machine_id", s.boot.MachineID).Msg("worker initialized")

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	notices := make(chan wire.Envelope)
	readErr := make(chan error, 1)
	go func() {
		br := bufio.NewReader(conn)
		for {
			env, err := wire.ReadEnvelope(br)
			if err != nil {
				readErr <- err
				return
			}
			notices <- env
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-interrupts:
			s.logger.Info().Msg("interrupt received, requesting close")
			if err := s.signal(wire.SignalCloseRequest); err != nil {
				s.logger.Warn().Err(err).Msg("close request failed")
			}
		case err := <-readErr:
			s.shutdown()
			return fmt.Errorf("shade: control connection lost: %w", err)
		case env := <-notices:
			s.handleNotice(env)
			if env.Name == wire.NoticeExitRequest {
				return nil
			}
		}
	}
}

func (s *Service) handleNotice(env wire.Envelope) {
	switch env.Name {
	case wire.NoticeChannelOpen:
		go s.openChannel(env.Nonce, env.Service)
	case wire.NoticeExitRequest:
		s.logger.Info().Msg("exit requested by parent")
		s.shutdown()
	case wire.NoticeVisibility:
		if env.Visible != nil && *env.Visible {
			if err := s.inspector.Start(); err != nil {
				s.logger.Warn().Err(err).Msg("inspector start failed")
			}
			return
		}
		if err := s.inspector.Stop(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("inspector stop failed")
		}
	default:
		s.logger.Warn().Str("name", env.Name).Msg("unknown notice")
	}
}

// openChannel dials the parent back with a channel preamble and serves the
// named service on the fresh connection.
func (s *Service) openChannel(nonce, service string) {
	conn, err := net.Dial("unix", s.boot.TransportAddr)
	if err != nil {
		s.logger.Warn().Err(err).Str("service", service).Msg("channel dial-back failed")
		return
	}
	preamble := wire.Preamble{Kind: wire.KindChannel, HostID: s.boot.HostID, Nonce: nonce}
	if err := wire.WritePreamble(conn, preamble); err != nil {
		s.logger.Warn().Err(err).Str("service", service).Msg("channel preamble failed")
		conn.Close()
		return
	}
	s.logger.Debug().Str("service", service).Str("nonce", nonce).Msg("channel opened")
	s.serveChannel(conn, service)
}

func (s *Service) signal(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	env := wire.Envelope{
		Name:        name,
		HostID:      s.boot.HostID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err := wire.WriteEnvelope(s.control, env); err != nil {
		return fmt.Errorf("shade: signal %s: %w", name, err)
	}
	return nil
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.inspector.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("inspector stop during shutdown failed")
	}
	if err := s.recents.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("recents close failed")
	}
	s.logger.Info().Msg("worker shut down")
}

func (s *Service) statusSnapshot() gin.H {
	return gin.H{
		"host":      s.boot.HostID,
		"machine":   s.boot.MachineID,
		"uptime":    time.Since(s.started).String(),
		"recents":   len(s.recents.List()),
		"inspector": s.inspector.Running(),
	}
}
