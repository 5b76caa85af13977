package warden

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ShutdownCoordinator serializes shutdown triggers. Multiple sources can
// race to trigger (OS signal, admin request, parent exit); only the first
// performs the teardown, the rest observe its result.
type ShutdownCoordinator struct {
	manager *HostManager
	logger  zerolog.Logger

	mu        sync.Mutex
	triggered bool
	result    TeardownResult
}

func NewShutdownCoordinator(manager *HostManager, logger zerolog.Logger) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		manager: manager,
		logger:  logger,
	}
}

// Trigger runs the teardown exactly once and memoizes its result. It never
// returns an error: shutdown is best-effort by contract, failures live in
// the returned result.
func (s *ShutdownCoordinator) Trigger(ctx context.Context) TeardownResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggered {
		return s.result
	}
	s.triggered = true

	s.result = s.manager.Teardown(ctx)
	if !s.result.HostExisted {
		s.logger.Debug().Msg("shutdown triggered with no worker host")
	}
	return s.result
}

// Triggered reports whether shutdown has been initiated.
func (s *ShutdownCoordinator) Triggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}
