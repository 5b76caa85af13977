package warden

import (
	"sync"
	"time"
)

// Signal is one named readiness or lifecycle event from the worker host.
type Signal struct {
	Name string
	At   time.Time
}

// SignalSource delivers inbound worker signals by name. Implementations are
// substituted in tests so the coordinator never depends on a real worker.
type SignalSource interface {
	// Subscribe returns a channel receiving signals with the given name and
	// a cancel func that removes the subscription. Signals published before
	// the subscription are replayed once: the contract treats them as
	// one-shot latches, so a late subscriber must still observe them.
	Subscribe(name string) (<-chan Signal, func())
}

// SignalHub is the in-process SignalSource used by host implementations.
type SignalHub struct {
	mu   sync.Mutex
	seen map[string]Signal
	subs map[string]map[int]chan Signal
	next int
}

func NewSignalHub() *SignalHub {
	return &SignalHub{
		seen: make(map[string]Signal),
		subs: make(map[string]map[int]chan Signal),
	}
}

// Publish records the signal and delivers it to current subscribers.
// Duplicate publications are delivered but harmless to memoized waiters.
func (h *SignalHub) Publish(name string) {
	sig := Signal{Name: name, At: time.Now()}
	h.mu.Lock()
	h.seen[name] = sig
	targets := make([]chan Signal, 0, len(h.subs[name]))
	for _, ch := range h.subs[name] {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- sig:
		default:
		}
	}
}

func (h *SignalHub) Subscribe(name string) (<-chan Signal, func()) {
	ch := make(chan Signal, 1)
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[name] == nil {
		h.subs[name] = make(map[int]chan Signal)
	}
	h.subs[name][id] = ch
	if sig, ok := h.seen[name]; ok {
		ch <- sig
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[name], id)
	}
	return ch, cancel
}

// Subscribers reports the live subscription count for one signal name.
func (h *SignalHub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[name])
}
