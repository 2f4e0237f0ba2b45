// Package session keeps unlocked signing material for a bounded time.
package session

import (
	"sync"
	"time"
)

const minSweepInterval = time.Second

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Store holds values that expire after ttl without use. A background
// sweeper evicts expired entries until Close is called.
type Store[V any] struct {
	ttl     time.Duration
	onEvict func(key string, v V)
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[V]

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a store and starts its sweeper. onEvict, if set, is called for
// every value that leaves the store.
func New[V any](ttl time.Duration, onEvict func(key string, v V)) *Store[V] {
	s := &Store[V]{
		ttl:     ttl,
		onEvict: onEvict,
		now:     time.Now,
		entries: make(map[string]*entry[V]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	interval := ttl / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	go s.evictLoop(interval)
	return s
}

// Put stores v under key, replacing (and evicting) any previous value
func (s *Store[V]) Put(key string, v V) {
	s.mu.Lock()
	prev, had := s.entries[key]
	s.entries[key] = &entry[V]{value: v, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	if had && s.onEvict != nil {
		s.onEvict(key, prev.value)
	}
}

// Get returns the value under key and extends its lifetime
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	e.expiresAt = s.now().Add(s.ttl)
	return e.value, true
}

// GetOrCreate returns the live value under key or stores the one create
// returns. create runs under the store lock.
func (s *Store[V]) GetOrCreate(key string, create func() (V, error)) (V, error) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && s.now().Before(e.expiresAt) {
		e.expiresAt = s.now().Add(s.ttl)
		s.mu.Unlock()
		return e.value, nil
	}
	stale, hadStale := s.entries[key]
	delete(s.entries, key)

	v, err := create()
	if err == nil {
		s.entries[key] = &entry[V]{value: v, expiresAt: s.now().Add(s.ttl)}
	}
	s.mu.Unlock()

	if hadStale && s.onEvict != nil {
		s.onEvict(key, stale.value)
	}
	return v, err
}

// Delete removes key
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok && s.onEvict != nil {
		s.onEvict(key, e.value)
	}
}

// Len returns the number of entries, expired ones included until swept
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts every expired entry now
func (s *Store[V]) Sweep() {
	now := s.now()

	s.mu.Lock()
	var evicted []string
	var values []V
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			evicted = append(evicted, k)
			values = append(values, e.value)
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()

	if s.onEvict != nil {
		for i, k := range evicted {
			s.onEvict(k, values[i])
		}
	}
}

func (s *Store[V]) evictLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close stops the sweeper and evicts everything
func (s *Store[V]) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done

		s.mu.Lock()
		entries := s.entries
		s.entries = make(map[string]*entry[V])
		s.mu.Unlock()

		if s.onEvict != nil {
			for k, e := range entries {
				s.onEvict(k, e.value)
			}
		}
	})
}
