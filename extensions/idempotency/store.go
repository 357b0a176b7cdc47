package idempotency

import (
	"context"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// VerdictStatus represents the result of checking the store.
type VerdictStatus int

const (
	// StatusNotFound means no cached verdict and no in-flight verification.
	StatusNotFound VerdictStatus = iota
	// StatusCached means a cached verdict was found.
	StatusCached
	// StatusInFlight means another request is currently verifying this proof.
	StatusInFlight
)

// VerdictStore defines the interface for verification idempotency storage.
// Implementations must be safe for concurrent use.
//
// The interface is designed to support both in-memory and distributed
// backends (Redis, database, etc.) for different deployment shapes.
type VerdictStore interface {
	// CheckAndMark atomically checks the store and marks the key as
	// in-flight if needed.
	//
	// Returns:
	//   - StatusCached + verdict + nil: a cached verdict exists, return it immediately
	//   - StatusInFlight + nil + done: another request is verifying, wait on done
	//   - StatusNotFound + nil + done: this request should proceed (now marked in-flight)
	//
	// The done channel is used to signal completion to waiting goroutines.
	// It must be passed to Complete() or Fail() when the call finishes.
	CheckAndMark(key string) (VerdictStatus, *bazaar.PaymentVerdict, chan struct{})

	// WaitForVerdict waits for an in-flight verification to complete,
	// respecting context cancellation.
	//
	// Returns:
	//   - the cached verdict if the in-flight call completed
	//   - nil if the in-flight call errored (caller should retry)
	//   - an error if the context was cancelled
	WaitForVerdict(ctx context.Context, key string, done chan struct{}) (*bazaar.PaymentVerdict, error)

	// Complete caches the verdict and signals any waiting goroutines via the
	// done channel.
	//
	// The done channel must be the same one returned by CheckAndMark.
	Complete(key string, verdict *bazaar.PaymentVerdict, done chan struct{})

	// Fail removes the in-flight marker without caching a verdict,
	// signaling waiters that they should retry.
	//
	// The done channel must be the same one returned by CheckAndMark.
	Fail(key string, done chan struct{})
}

// KeyGenerator derives the deduplication key for a proof. The key must
// uniquely identify one payment attempt.
type KeyGenerator func(proof *bazaar.PaymentProof) (string, error)

// DefaultKeyGenerator keys verifications by the proof's canonical digest, so
// a byte-identical retry deduplicates while any change to the payload
// produces a fresh key.
func DefaultKeyGenerator(proof *bazaar.PaymentProof) (string, error) {
	return bazaar.ProofDigest(proof)
}
