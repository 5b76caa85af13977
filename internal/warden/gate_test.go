package warden

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/umbradev/umbra/internal/testutil/testlog"
)

func TestGateOpenIdempotent(t *testing.T) {
	testlog.Start(t)
	g := NewGate()
	if g.Opened() {
		t.Fatalf("gate should start closed")
	}
	for i := 0; i < 5; i++ {
		g.Open()
	}
	if !g.Opened() {
		t.Fatalf("gate should be open")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("wait on open gate: %v", err)
	}
}

func TestGateReleasesWaitersBeforeAndAfterOpen(t *testing.T) {
	testlog.Start(t)
	g := NewGate()

	const before = 8
	var wg sync.WaitGroup
	errs := make(chan error, before)
	for i := 0; i < before; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs <- g.Wait(ctx)
		}()
	}

	g.Open()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	}

	// A waiter registered after opening proceeds immediately.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("late waiter failed: %v", err)
	}
}

func TestGateWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatalf("expected context error on closed gate")
	}
}
