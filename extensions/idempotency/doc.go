// Package idempotency provides verification idempotency as an opt-in wrapper
// for facilitator clients.
//
// # Overview
//
// Facilitators treat a payment proof as single-use: the first verification
// consumes its digest and any later verification of the same proof is
// rejected as already spent. That is the right behavior for distinct
// submissions, but it turns races into spurious rejections: two gateway
// instances receiving the same retried request would both call Verify, and
// the loser gets "payment already consumed" for a payment that was in fact
// accepted.
//
// This package deduplicates Verify calls by proof digest: concurrent or
// repeated verifications of the same proof share one facilitator call and one
// verdict.
//
// # Why a Wrapper?
//
// The coordinator core stays stateless about payments so it works across
// deployment shapes (single instance, load-balanced clusters, serverless).
// Wrapping the facilitator client keeps deduplication opt-in and lets each
// deployment choose a cache backend that matches its topology.
//
// # Usage
//
// Basic usage with the default in-memory cache:
//
//	facilitator := idempotency.Wrap(facilitatorclient.NewRemoteFacilitator(url))
//
// Custom TTL:
//
//	facilitator := idempotency.Wrap(inner, idempotency.WithTTL(30*time.Minute))
//
// Custom cache backend:
//
//	facilitator := idempotency.Wrap(inner, idempotency.WithStore(myRedisStore))
//
// # Implementing Custom Stores
//
// For load-balanced deployments, implement VerdictStore with a shared backend
// (Redis, database). The interface provides:
//   - CheckAndMark: atomic check-and-mark for deduplication
//   - WaitForVerdict: wait for in-flight verifications to complete
//   - Complete: cache a returned verdict
//   - Fail: clear the in-flight marker on error (allows retry)
//
// # How It Works
//
//  1. Verify derives a key from the proof's canonical digest
//  2. The store atomically checks for a cached verdict or in-flight call
//  3. If cached: return the verdict without touching the facilitator
//  4. If in-flight: wait for the other call to finish, then share its verdict
//  5. Otherwise: verify through the wrapped client, then cache the verdict
//
// Verdicts are cached whether the payment was accepted or rejected, since the
// same proof bytes always produce the same answer. Transport errors are NOT
// cached, so a facilitator outage stays retryable.
package idempotency
