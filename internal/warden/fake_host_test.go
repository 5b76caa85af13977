package warden

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/umbradev/umbra/internal/protocol/wire"
)

// fakeHost stands in for a real worker process. Tests drive its signal hub
// directly and inspect what the coordinator did to it.
type fakeHost struct {
	id  string
	hub *SignalHub
	// serve, when set, runs against the worker end of each opened channel.
	serve func(service string, conn net.Conn)

	alive   atomic.Bool
	visible atomic.Bool

	mu       sync.Mutex
	notices  []wire.Envelope
	channels []string
	peers    []net.Conn

	closeErr error
	// closeVetoSubs captures the close-request subscriber count observed at
	// Close time, so tests can assert the veto was removed first.
	closeVetoSubs atomic.Int32
	closeCalls    atomic.Int32
}

func newFakeHost(id string) *fakeHost {
	h := &fakeHost{id: id, hub: NewSignalHub()}
	h.alive.Store(true)
	h.visible.Store(false)
	return h
}

func (h *fakeHost) ID() string            { return h.id }
func (h *fakeHost) Alive() bool           { return h.alive.Load() }
func (h *fakeHost) Signals() SignalSource { return h.hub }
func (h *fakeHost) Visible() bool         { return h.visible.Load() }

func (h *fakeHost) Notify(ctx context.Context, env wire.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, env)
	return nil
}

func (h *fakeHost) OpenChannel(ctx context.Context, nonce, service string) (net.Conn, error) {
	ours, theirs := net.Pipe()
	h.mu.Lock()
	h.channels = append(h.channels, service+"/"+nonce)
	h.peers = append(h.peers, theirs)
	h.mu.Unlock()
	if h.serve != nil {
		go h.serve(service, theirs)
	}
	return ours, nil
}

func (h *fakeHost) SetVisible(ctx context.Context, visible bool) error {
	h.visible.Store(visible)
	return nil
}

func (h *fakeHost) Close() error {
	h.closeVetoSubs.Store(int32(h.hub.Subscribers(wire.SignalCloseRequest)))
	h.closeCalls.Add(1)
	h.alive.Store(false)
	h.mu.Lock()
	for _, peer := range h.peers {
		peer.Close()
	}
	h.mu.Unlock()
	return h.closeErr
}

func (h *fakeHost) noticeNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.notices))
	for _, env := range h.notices {
		names = append(names, env.Name)
	}
	return names
}

// fakeFactory counts creations and exposes the hosts it built.
type fakeFactory struct {
	mu         sync.Mutex
	hosts      []*fakeHost
	bootstraps []wire.Bootstrap
	err        error
	calls      atomic.Int32
}

func (f *fakeFactory) make(ctx context.Context, boot wire.Bootstrap) (Host, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	h := newFakeHost(boot.HostID)
	f.mu.Lock()
	f.hosts = append(f.hosts, h)
	f.bootstraps = append(f.bootstraps, boot)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeFactory) last() *fakeHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.hosts) == 0 {
		return nil
	}
	return f.hosts[len(f.hosts)-1]
}

func (f *fakeFactory) lastBootstrap() wire.Bootstrap {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bootstraps) == 0 {
		return wire.Bootstrap{}
	}
	return f.bootstraps[len(f.bootstraps)-1]
}
