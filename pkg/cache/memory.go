// Package cache provides a process-local key-value store with per-key TTLs.
// It satisfies the engine's store interface and backs snapshot persistence
// when no external store is configured.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound signals that a key is absent or expired.
var ErrNotFound = errors.New("key not found")

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Memory is a concurrency-safe in-memory store. Expired entries are dropped
// lazily on read and opportunistically on write.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	closed  bool
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

// Get returns a copy of the stored bytes, or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, errors.New("store closed")
	}
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a copy of value under key with the provided TTL (0 means no
// expiry).
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("store closed")
	}
	m.entries[key] = entry{value: stored, expiresAt: expiresAt}
	m.sweepLocked()
	return nil
}

// Del removes a key; deleting an absent key is not an error.
func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("store closed")
	}
	delete(m.entries, key)
	return nil
}

// Len returns the number of live (unexpired) entries.
func (m *Memory) Len() int {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Close releases the store; subsequent operations fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}

// sweepLocked drops expired entries. Callers hold the write lock.
func (m *Memory) sweepLocked() {
	now := time.Now()
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}
