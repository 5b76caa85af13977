package warden

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umbradev/umbra/internal/protocol/wire"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("warden: invalid heartbeat interval")
	ErrWorkerBinaryRequired     = errors.New("warden: worker binary required")
)

// ServiceConfig configures the wardend standalone runtime.
type ServiceConfig struct {
	MachineID       string
	HostID          string
	AppRoot         string
	CacheDir        string
	BackupStatePath string
	// WorkerBinary is the shade executable spawned as the worker host.
	WorkerBinary string
	WorkerArgs   []string
	// TransportAddr is the unix socket the worker dials back to. Empty
	// derives a path under AppRoot.
	TransportAddr     string
	EnvOverlay        map[string]string
	AdminListenAddr   string
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds milestone waits; zero waits forever.
	HandshakeTimeout time.Duration
	StopGrace        time.Duration
	LogLevel         string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MachineID:         "machine.local",
		AppRoot:           filepath.Join("local", "umbra"),
		AdminListenAddr:   "",
		HeartbeatInterval: 5 * time.Second,
		StopGrace:         2 * time.Second,
	}
}

// Service runs the parent coordinator lifecycle as a standalone process.
type Service struct {
	cfg    ServiceConfig
	logger zerolog.Logger

	manager  *HostManager
	coord    *Coordinator
	broker   *Broker
	shutdown *ShutdownCoordinator

	adminClientCount atomic.Int64
	channelsServed   atomic.Int64
}

func NewService(cfg ServiceConfig, logger zerolog.Logger) (*Service, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	if strings.TrimSpace(cfg.WorkerBinary) == "" {
		return nil, ErrWorkerBinaryRequired
	}
	if strings.TrimSpace(cfg.HostID) == "" {
		cfg.HostID = "host." + uuid.NewString()
	}
	if strings.TrimSpace(cfg.TransportAddr) == "" {
		cfg.TransportAddr = filepath.Join(cfg.AppRoot, "run", "warden.sock")
	}
	if strings.TrimSpace(cfg.CacheDir) == "" {
		cfg.CacheDir = filepath.Join(cfg.AppRoot, "cache")
	}

	boot := wire.Bootstrap{
		MachineID:       cfg.MachineID,
		HostID:          cfg.HostID,
		AppRoot:         cfg.AppRoot,
		CacheDir:        cfg.CacheDir,
		BackupStatePath: cfg.BackupStatePath,
		Env:             map[string]string{},
		TransportAddr:   cfg.TransportAddr,
		Args:            cfg.WorkerArgs,
		LogLevel:        cfg.LogLevel,
	}
	if err := boot.Validate(); err != nil {
		return nil, err
	}

	factory := NewProcessHostFactory(ProcessHostConfig{
		BinaryPath: cfg.WorkerBinary,
		StopGrace:  cfg.StopGrace,
		Logger:     logger,
	})
	manager := NewHostManager(ManagerConfig{
		Factory:         factory,
		Bootstrap:       boot,
		ExitNoticeGrace: cfg.StopGrace,
		Logger:          logger,
	})

	return &Service{
		cfg:      cfg,
		logger:   logger,
		manager:  manager,
		shutdown: NewShutdownCoordinator(manager, logger),
	}, nil
}

// Manager exposes the host manager for embedding callers.
func (s *Service) Manager() *HostManager {
	return s.manager
}

// Run blocks until process signal shutdown. An OS interrupt tears the
// worker down before returning.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.serve(ctx)
}

func (s *Service) serve(ctx context.Context) error {
	s.coord = NewCoordinator(ctx, s.manager, CoordinatorConfig{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Logger:           s.logger,
	})
	s.broker = NewBroker(s.coord, s.manager, s.logger)

	s.manager.Spawn(s.cfg.EnvOverlay)
	s.logger.Info().
		Str("host_id", s.cfg.HostID).
		Str("transport", s.cfg.TransportAddr).
		Msg("warden serving")

	controlErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		go func() {
			controlErr <- s.serveAdminControl(ctx, s.cfg.AdminListenAddr)
		}()
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("warden shutdown")
			s.teardown()
			return nil
		case err := <-controlErr:
			if err != nil {
				s.teardown()
				return err
			}
		case <-ticker.C:
			s.logger.Info().
				Str("host_id", s.cfg.HostID).
				Str("state", s.manager.State().String()).
				Int64("admin_clients", s.adminClientCount.Load()).
				Int64("channels_served", s.channelsServed.Load()).
				Msg("warden heartbeat")
		}
	}
}

// teardown triggers shutdown and waits for the deferred close, bounded so
// a wedged worker cannot hang process exit.
func (s *Service) teardown() {
	res := s.shutdown.Trigger(context.Background())
	if res.Closed == nil {
		return
	}
	bound := s.cfg.StopGrace + time.Second
	select {
	case <-res.Closed:
	case <-time.After(bound):
		s.logger.Warn().Dur("bound", bound).Msg("worker close still pending at exit")
	}
}
