package cache

import (
	"strings"
	"sync"
	"time"
)

// memoryEntry is a single cached value with its expiry.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the in-process cache tier: a bounded TTL map. A background
// goroutine sweeps expired entries every minute; reads also expire lazily.
type Memory struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]memoryEntry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemory creates the memory tier. maxEntries bounds the map; when full,
// a Put for a new key evicts the entry closest to expiry. Call Close to
// stop the sweep goroutine.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	m := &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]memoryEntry),
		done:       make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Get returns the cached value for key, or false on a miss. Expired entries
// are removed and reported as misses.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// Put stores value under key with the tier TTL.
func (m *Memory) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok && len(m.entries) >= m.maxEntries {
		m.evictSoonestLocked()
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(m.ttl)}
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns how many were removed.
func (m *Memory) InvalidatePrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// evictSoonestLocked drops the entry closest to expiry. Caller holds mu.
func (m *Memory) evictSoonestLocked() {
	var (
		victim string
		oldest time.Time
	)
	for key, e := range m.entries {
		if victim == "" || e.expiresAt.Before(oldest) {
			victim = key
			oldest = e.expiresAt
		}
	}
	if victim != "" {
		delete(m.entries, victim)
	}
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}
