package warden

import (
	"context"
	"sync"
)

// Milestone is a memoized single-resolution future. The first Start call
// runs the trigger on its own goroutine; later calls are no-ops and every
// waiter observes the same outcome. Once resolved it stays resolved.
type Milestone struct {
	start sync.Once
	done  chan struct{}
	err   error
}

func NewMilestone() *Milestone {
	return &Milestone{done: make(chan struct{})}
}

// Start runs trigger at most once across all callers. Concurrent first-time
// callers race on the sync.Once, not on the trigger itself.
func (m *Milestone) Start(trigger func() error) {
	m.start.Do(func() {
		go func() {
			m.err = trigger()
			close(m.done)
		}()
	})
}

func (m *Milestone) Resolved() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the milestone resolves or ctx is done.
func (m *Milestone) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	default:
	}
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
