package claimstore

import (
	"context"
	"time"

	cache "github.com/patrickmn/go-cache"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// CachedClaimLedger wraps a ClaimLedger with an in-process read cache. Only
// registered records are cached: they are permanent, so a hit can never
// serve a stale status. Pending and failed records always come from the
// backing store.
type CachedClaimLedger struct {
	inner bazaar.ClaimLedger
	cache *cache.Cache
}

var _ bazaar.ClaimLedger = (*CachedClaimLedger)(nil)

// NewCachedClaimLedger wraps inner with a registered-record cache. Entries
// expire after ttl; a ttl of zero or less keeps them until process exit.
func NewCachedClaimLedger(inner bazaar.ClaimLedger, ttl time.Duration) *CachedClaimLedger {
	expiration := ttl
	cleanup := 2 * ttl
	if ttl <= 0 {
		expiration = cache.NoExpiration
		cleanup = 0
	}
	return &CachedClaimLedger{
		inner: inner,
		cache: cache.New(expiration, cleanup),
	}
}

// Reserve delegates to the backing store. Only registered records are cached
// and a registered slot can never be re-reserved, so there is nothing to
// invalidate.
func (l *CachedClaimLedger) Reserve(ctx context.Context, record *bazaar.ClaimRecord) error {
	return l.inner.Reserve(ctx, record)
}

// SetContentAddress delegates to the backing store; pending records are not
// cached.
func (l *CachedClaimLedger) SetContentAddress(ctx context.Context, subjectID, contentAddress string) error {
	return l.inner.SetContentAddress(ctx, subjectID, contentAddress)
}

// Commit delegates to the backing store and caches the registered record it
// returns.
func (l *CachedClaimLedger) Commit(ctx context.Context, subjectID, contentAddress, txHash string) (*bazaar.ClaimRecord, error) {
	record, err := l.inner.Commit(ctx, subjectID, contentAddress, txHash)
	if err != nil {
		return nil, err
	}
	l.cache.Set(subjectID, record.Clone(), cache.DefaultExpiration)
	return record, nil
}

// MarkFailed delegates to the backing store; failed records are not cached.
func (l *CachedClaimLedger) MarkFailed(ctx context.Context, subjectID, failureCode, reason string) (*bazaar.ClaimRecord, error) {
	return l.inner.MarkFailed(ctx, subjectID, failureCode, reason)
}

// Get serves registered records from the cache and reads everything else
// through to the backing store.
func (l *CachedClaimLedger) Get(ctx context.Context, subjectID string) (*bazaar.ClaimRecord, error) {
	if hit, ok := l.cache.Get(subjectID); ok {
		return hit.(*bazaar.ClaimRecord).Clone(), nil
	}

	record, err := l.inner.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if record.Status == bazaar.StatusRegistered {
		l.cache.Set(subjectID, record.Clone(), cache.DefaultExpiration)
	}
	return record, nil
}
