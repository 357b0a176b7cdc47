package idempotency

import (
	"context"
	"fmt"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// IdempotentFacilitator wraps a facilitator client with verification
// idempotency.
//
// It intercepts Verify() calls to check for cached verdicts before touching
// the wrapped client. This prevents a retried or raced proof from being
// rejected as already consumed when its first verification succeeded.
//
// A cached verdict can satisfy a replayed proof until the TTL expires. The
// claim ledger binds each payment id to one subject at reservation time, so
// such a replay still cannot register a second claim.
type IdempotentFacilitator struct {
	inner        bazaar.FacilitatorClient
	store        VerdictStore
	keyGenerator KeyGenerator
}

// Wrap creates an IdempotentFacilitator around the given client.
//
// Default configuration:
//   - InMemoryStore with 10-minute TTL
//   - proof digest key generator
//
// Use functional options to customize:
//
//	facilitator := idempotency.Wrap(inner,
//	    idempotency.WithTTL(30 * time.Minute),
//	)
//
//	// Or with a custom store
//	facilitator := idempotency.Wrap(inner,
//	    idempotency.WithStore(myRedisStore),
//	)
func Wrap(facilitator bazaar.FacilitatorClient, opts ...Option) *IdempotentFacilitator {
	cfg := &config{
		ttl:          10 * time.Minute,
		keyGenerator: DefaultKeyGenerator,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	store := cfg.store
	if store == nil {
		store = NewInMemoryStore(cfg.ttl)
	}

	return &IdempotentFacilitator{
		inner:        facilitator,
		store:        store,
		keyGenerator: cfg.keyGenerator,
	}
}

// Verify verifies a payment with idempotency protection.
//
// Before delegating to the wrapped client, it:
//  1. Derives a deduplication key from the proof
//  2. Checks if a cached verdict exists (returns immediately if so)
//  3. Waits if another call is already verifying this proof
//  4. Caches the verdict for future calls
//
// Transport errors are NOT cached, so outages stay retryable.
func (f *IdempotentFacilitator) Verify(ctx context.Context, proof *bazaar.PaymentProof, requirement *bazaar.PaymentRequirement) (*bazaar.PaymentVerdict, error) {
	cacheKey, err := f.keyGenerator(proof)
	if err != nil {
		return nil, fmt.Errorf("derive idempotency key: %w", err)
	}

	// Atomically check the cache and mark in-flight to prevent races
	status, verdict, done := f.store.CheckAndMark(cacheKey)

	switch status {
	case StatusCached:
		return verdict, nil

	case StatusInFlight:
		// Wait for the in-flight verification, respecting cancellation
		verdict, err := f.store.WaitForVerdict(ctx, cacheKey, done)
		if err != nil {
			return nil, err
		}
		if verdict != nil {
			return verdict, nil
		}
		// The in-flight call errored; retry (takes a new in-flight slot)
		return f.Verify(ctx, proof, requirement)

	case StatusNotFound:
		// This call owns the in-flight slot, proceed with verification
	}

	innerVerdict, verifyErr := f.inner.Verify(ctx, proof, requirement)

	if verifyErr != nil {
		// Don't cache errors - allow retries
		f.store.Fail(cacheKey, done)
		return nil, verifyErr
	}

	// Cache the verdict, accepted or rejected
	f.store.Complete(cacheKey, innerVerdict, done)
	return innerVerdict, nil
}

// Inner returns the wrapped facilitator client for direct access.
func (f *IdempotentFacilitator) Inner() bazaar.FacilitatorClient {
	return f.inner
}

// Ensure IdempotentFacilitator implements FacilitatorClient
var _ bazaar.FacilitatorClient = (*IdempotentFacilitator)(nil)
