package idempotency

import "time"

// config holds the configuration for IdempotentFacilitator.
type config struct {
	ttl          time.Duration
	store        VerdictStore
	keyGenerator KeyGenerator
}

// Option configures an IdempotentFacilitator.
type Option func(*config)

// WithTTL sets the cache TTL for verdicts.
//
// Only applies when using the default InMemoryStore. If WithStore is also
// specified, this option is ignored (configure TTL on your custom store
// instead).
//
// Default: 10 minutes
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.ttl = ttl
	}
}

// WithStore sets a custom VerdictStore implementation.
//
// Use this for distributed cache backends like Redis or a database. When
// specified, WithTTL is ignored (configure TTL on your store).
func WithStore(store VerdictStore) Option {
	return func(c *config) {
		c.store = store
	}
}

// WithKeyGenerator sets a custom key generation function.
//
// By default, verifications are keyed by the proof's canonical digest. The
// key must uniquely identify one payment attempt to prevent false positive
// deduplication.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(c *config) {
		c.keyGenerator = gen
	}
}
