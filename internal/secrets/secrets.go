// Package secrets serves scoped secret storage over the "secrets" channel.
// The facade fronts a Store with a TTL read cache and per-scope change
// subscriptions.
package secrets

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const DefaultTTL = 5 * time.Minute

var (
	ErrNotFound   = errors.New("secrets: not found")
	ErrEmptyScope = errors.New("secrets: empty scope")
	ErrEmptyKey   = errors.New("secrets: empty key")
)

// ChangeEvent reports one mutation to subscribers of the affected scope.
type ChangeEvent struct {
	Scope   string
	Key     string
	Deleted bool
}

// Store is the durable backing layer.
type Store interface {
	Get(scope, key string) (string, error)
	Set(scope, key, value string) error
	Delete(scope, key string) error
}

// MemoryStore keeps secrets for the worker lifetime only.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]string)}
}

func (s *MemoryStore) Get(scope, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[scope][key]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, scope, key)
	}
	return v, nil
}

func (s *MemoryStore) Set(scope, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[scope] == nil {
		s.data[scope] = make(map[string]string)
	}
	s.data[scope][key] = value
	return nil
}

func (s *MemoryStore) Delete(scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[scope][key]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, scope, key)
	}
	delete(s.data[scope], key)
	return nil
}

// Facade is the channel-facing surface: cached reads, write-through
// mutations, scope-filtered change fanout.
type Facade struct {
	logger zerolog.Logger
	store  Store
	cache  *gocache.Cache

	mu   sync.Mutex
	subs map[string]map[int]chan ChangeEvent
	next int
}

func NewFacade(store Store, ttl time.Duration, logger zerolog.Logger) *Facade {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Facade{
		logger: logger,
		store:  store,
		cache:  gocache.New(ttl, 2*ttl),
		subs:   make(map[string]map[int]chan ChangeEvent),
	}
}

func cacheKey(scope, key string) string {
	return scope + "\x00" + key
}

func validate(scope, key string) error {
	if strings.TrimSpace(scope) == "" {
		return ErrEmptyScope
	}
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

func (f *Facade) Get(scope, key string) (string, error) {
	if err := validate(scope, key); err != nil {
		return "", err
	}
	if v, ok := f.cache.Get(cacheKey(scope, key)); ok {
		return v.(string), nil
	}
	v, err := f.store.Get(scope, key)
	if err != nil {
		return "", err
	}
	f.cache.SetDefault(cacheKey(scope, key), v)
	return v, nil
}

func (f *Facade) Set(scope, key, value string) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	if err := f.store.Set(scope, key, value); err != nil {
		return err
	}
	f.cache.SetDefault(cacheKey(scope, key), value)
	f.publish(ChangeEvent{Scope: scope, Key: key})
	return nil
}

func (f *Facade) Delete(scope, key string) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	if err := f.store.Delete(scope, key); err != nil {
		return err
	}
	f.cache.Delete(cacheKey(scope, key))
	f.publish(ChangeEvent{Scope: scope, Key: key, Deleted: true})
	return nil
}

// Subscribe delivers change events for one scope. Slow subscribers drop
// events rather than block mutations.
func (f *Facade) Subscribe(scope string) (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, 8)
	f.mu.Lock()
	id := f.next
	f.next++
	if f.subs[scope] == nil {
		f.subs[scope] = make(map[int]chan ChangeEvent)
	}
	f.subs[scope][id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[scope], id)
	}
	return ch, cancel
}

func (f *Facade) publish(ev ChangeEvent) {
	f.mu.Lock()
	targets := make([]chan ChangeEvent, 0, len(f.subs[ev.Scope]))
	for _, ch := range f.subs[ev.Scope] {
		targets = append(targets, ch)
	}
	f.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			f.logger.Warn().Str("scope", ev.Scope).Msg("secrets subscriber lagging, dropping event")
		}
	}
}
