// Package cache provides a TTL key/value store used by conversation state,
// retrieval results, and synthesized audio.
//
// The Store interface is consumer-defined: callers depend on the three
// operations they need, and tests can substitute a fake. The in-memory
// implementation is the default backend; entries expire lazily on read and
// eagerly via a background janitor.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable indicates the backing store could not serve the request.
// The in-memory implementation returns it only after Close.
var ErrUnavailable = errors.New("cache: store unavailable")

// Store is the minimal contract shared by all cache consumers.
//
// Get reports (nil, false, nil) for missing or expired keys. Expired entries
// are never returned, regardless of janitor timing.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Evict(ctx context.Context, key string) (existed bool, err error)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Store with per-entry TTLs.
//
// A janitor goroutine sweeps expired entries at the configured interval so
// memory is reclaimed even for keys that are never read again. Close stops
// the janitor; operations after Close return ErrUnavailable.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup

	// now is swappable in tests.
	now func() time.Time
}

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	// SweepInterval is how often the janitor scans for expired entries.
	// Default: 1 minute. Negative disables the janitor (lazy expiry only).
	SweepInterval time.Duration
}

const defaultSweepInterval = time.Minute

// NewMemory creates an in-memory store and starts its janitor.
func NewMemory(cfg MemoryConfig) *Memory {
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}

	m := &Memory{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
		now:     time.Now,
	}

	if interval > 0 {
		m.wg.Add(1)
		go m.janitor(interval)
	}
	return m
}

func (m *Memory) janitor(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

// Get returns the value for key. Expired entries are deleted on access.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, false, ErrUnavailable
	}
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if e.expired(m.now()) {
		m.mu.Lock()
		// Re-check under the write lock; Set may have refreshed the entry.
		if cur, stillThere := m.entries[key]; stillThere && cur.expired(m.now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key. A zero or negative ttl means no expiry.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	m.entries[key] = entry{value: value, expiresAt: expiresAt}
	return nil
}

// Evict removes key and reports whether a live entry existed.
func (m *Memory) Evict(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrUnavailable
	}
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	delete(m.entries, key)
	if e.expired(m.now()) {
		return false, nil
	}
	return true, nil
}

// Len reports the number of stored entries, including not-yet-swept expired
// ones. Intended for tests and diagnostics.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the janitor and releases all entries. Safe to call once.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.entries = nil
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return nil
}
