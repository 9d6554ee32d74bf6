package ratelimit

import (
	"context"
	"sync"
	"time"
)

// ownerBucket tracks the token balance for one authenticated owner.
type ownerBucket struct {
	tokens   float64
	refilled time.Time
}

// MemoryLimiter is a per-owner token bucket kept in process memory. The
// HTTP layer keys it by "owner:<id>", so a noisy owner exhausts only its
// own bucket while everyone else's analyses keep flowing.
//
// Buckets refill continuously at rate tokens per second up to burst.
// Owners idle past staleAfter are dropped by a background sweep, which
// bounds the map by the set of recently active owners.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*ownerBucket

	now func() time.Time // swappable clock for tests

	stopOnce sync.Once
	done     chan struct{}
}

const (
	sweepInterval = time.Minute
	staleAfter    = 10 * time.Minute
)

// NewMemoryLimiter creates a limiter allowing rate requests per second
// per key with bursts up to burst. Call Close to stop the sweep
// goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*ownerBucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow spends one token from key's bucket. A false return means the
// owner is over its sustained rate and the request should be answered
// with 429.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		// A new owner starts with a full bucket and spends the first token.
		m.buckets[key] = &ownerBucket{tokens: m.burst - 1, refilled: now}
		return true, nil
	}

	b.tokens += now.Sub(b.refilled).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.refilled = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweep goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle drops buckets whose owners have gone quiet. An evicted owner
// that comes back simply starts over with a full bucket.
func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleAfter)
	for key, b := range m.buckets {
		if b.refilled.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
