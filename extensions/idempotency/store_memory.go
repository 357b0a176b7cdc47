package idempotency

import (
	"context"
	"sync"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// InMemoryStore provides an in-memory implementation of VerdictStore.
//
// This implementation suits single-instance deployments where cache state
// does not need to be shared across processes. For load-balanced
// deployments, implement VerdictStore with a shared backend like Redis.
//
// Features:
//   - Thread-safe with mutex protection
//   - Configurable TTL for cached verdicts
//   - In-flight call tracking with wait channels
//   - Lazy cleanup of expired entries
type InMemoryStore struct {
	mu       sync.Mutex
	verdicts map[string]*bazaar.PaymentVerdict
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewInMemoryStore creates a new in-memory verdict store with the specified
// TTL.
//
// The TTL determines how long verdicts stay cached. Typical values are 5-15
// minutes, balancing the deduplication window against memory usage.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	return &InMemoryStore{
		verdicts: make(map[string]*bazaar.PaymentVerdict),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if
// needed.
//
// Returns:
//   - StatusCached + verdict if a cached verdict exists and has not expired
//   - StatusInFlight + wait channel if another call is currently verifying
//   - StatusNotFound + done channel if this call should proceed (now marked in-flight)
func (s *InMemoryStore) CheckAndMark(key string) (VerdictStatus, *bazaar.PaymentVerdict, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for a cached verdict first
	if expiry, exists := s.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if verdict, ok := s.verdicts[key]; ok {
				return StatusCached, verdict, nil
			}
		}
		// Expired - clean it up
		delete(s.verdicts, key)
		delete(s.expiry, key)
	}

	// Check if in-flight
	if done, exists := s.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	// Mark as in-flight
	done := make(chan struct{})
	s.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForVerdict waits for an in-flight verification to complete, respecting
// context cancellation.
//
// Returns:
//   - the cached verdict if available after the in-flight call completes
//   - nil if the in-flight call errored (no verdict was cached)
//   - an error if the context was cancelled before completion
func (s *InMemoryStore) WaitForVerdict(ctx context.Context, key string, done chan struct{}) (*bazaar.PaymentVerdict, error) {
	select {
	case <-done:
		// In-flight call completed, check for a cached verdict
		return s.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// get retrieves a cached verdict if it exists and has not expired.
// Returns nil if not found or expired.
func (s *InMemoryStore) get(key string) *bazaar.PaymentVerdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expiry[key]
	if !exists {
		return nil
	}

	if time.Now().After(expiry) {
		// Expired - clean it up
		delete(s.verdicts, key)
		delete(s.expiry, key)
		return nil
	}

	return s.verdicts[key]
}

// Complete caches the verdict and signals any waiting goroutines.
func (s *InMemoryStore) Complete(key string, verdict *bazaar.PaymentVerdict, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Cache the verdict
	s.verdicts[key] = verdict
	s.expiry[key] = time.Now().Add(s.ttl)

	// Remove from in-flight
	delete(s.inFlight, key)

	// Signal waiters
	close(done)

	// Lazy cleanup of expired entries
	s.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without caching a verdict, allowing the
// verification to be retried.
func (s *InMemoryStore) Fail(key string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove from in-flight without caching
	delete(s.inFlight, key)

	// Signal waiters (they will retry since no verdict was cached)
	close(done)
}

// cleanupExpiredLocked removes expired entries. Must be called with the lock
// held.
func (s *InMemoryStore) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range s.expiry {
		if now.After(expiry) {
			delete(s.verdicts, key)
			delete(s.expiry, key)
		}
	}
}

// Ensure InMemoryStore implements VerdictStore
var _ VerdictStore = (*InMemoryStore)(nil)
