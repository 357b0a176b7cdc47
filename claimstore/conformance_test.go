package claimstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

func newTestRecord(subjectID string) *bazaar.ClaimRecord {
	return &bazaar.ClaimRecord{
		SubjectID:   subjectID,
		ClaimID:     uuid.NewString(),
		ClaimType:   bazaar.ClaimTypeIdentity,
		Fingerprint: "2f77668a9dfbf8d5848b9eeb4a7145ca94c6ed9236e4a773f6dcafa5132b2f91",
		Payload:     json.RawMessage(`{"name":"ember","statement":"I choose my own name"}`),
		PaymentID:   "0x" + uuid.NewString(),
	}
}

// runClaimLedgerContract exercises the ClaimLedger contract every backend
// must honor. Subject ids are prefixed so runs against a shared store do not
// collide.
func runClaimLedgerContract(t *testing.T, ledger bazaar.ClaimLedger, prefix string) {
	t.Helper()
	ctx := context.Background()

	t.Run("lifecycle", func(t *testing.T) {
		subjectID := prefix + "-lifecycle"
		record := newTestRecord(subjectID)

		require.NoError(t, ledger.Reserve(ctx, record))

		stored, err := ledger.Get(ctx, subjectID)
		require.NoError(t, err)
		assert.Equal(t, bazaar.StatusPending, stored.Status)
		assert.Equal(t, record.ClaimID, stored.ClaimID)
		assert.Equal(t, record.PaymentID, stored.PaymentID)
		assert.JSONEq(t, string(record.Payload), string(stored.Payload))
		assert.False(t, stored.CreatedAt.IsZero())

		// The pending slot is held against a second reservation.
		require.ErrorIs(t, ledger.Reserve(ctx, newTestRecord(subjectID)), bazaar.ErrSlotHeld)

		require.NoError(t, ledger.SetContentAddress(ctx, subjectID, "sha256:feed"))

		committed, err := ledger.Commit(ctx, subjectID, "sha256:feed", "0xtx1")
		require.NoError(t, err)
		assert.Equal(t, bazaar.StatusRegistered, committed.Status)
		assert.Equal(t, "sha256:feed", committed.ContentAddress)
		assert.Equal(t, "0xtx1", committed.TransactionHash)

		final, err := ledger.Get(ctx, subjectID)
		require.NoError(t, err)
		assert.Equal(t, bazaar.StatusRegistered, final.Status)

		// Registered records are permanent.
		require.ErrorIs(t, ledger.Reserve(ctx, newTestRecord(subjectID)), bazaar.ErrSlotHeld)
		_, err = ledger.MarkFailed(ctx, subjectID, "ledger_broadcast_failure", "late failure")
		require.Error(t, err)
		assert.True(t, bazaar.IsCode(err, bazaar.ErrCodeInternalInconsistency))
		_, err = ledger.Commit(ctx, subjectID, "sha256:feed", "0xtx2")
		require.Error(t, err)
		assert.True(t, bazaar.IsCode(err, bazaar.ErrCodeInternalInconsistency))
	})

	t.Run("failure and retry", func(t *testing.T) {
		subjectID := prefix + "-retry"
		record := newTestRecord(subjectID)

		require.NoError(t, ledger.Reserve(ctx, record))

		failed, err := ledger.MarkFailed(ctx, subjectID, "ledger_broadcast_failure", "rpc down")
		require.NoError(t, err)
		assert.Equal(t, bazaar.StatusFailed, failed.Status)
		assert.Equal(t, "ledger_broadcast_failure", failed.FailureCode)
		assert.Equal(t, "rpc down", failed.FailureReason)
		assert.Equal(t, record.PaymentID, failed.PaymentID, "payment id survives failure")

		// A failed record does not hold the slot.
		retry := newTestRecord(subjectID)
		retry.PaymentID = record.PaymentID
		require.NoError(t, ledger.Reserve(ctx, retry))

		stored, err := ledger.Get(ctx, subjectID)
		require.NoError(t, err)
		assert.Equal(t, bazaar.StatusPending, stored.Status)
		assert.Equal(t, retry.ClaimID, stored.ClaimID)
		assert.Empty(t, stored.FailureCode)
		assert.Empty(t, stored.FailureReason)
	})

	t.Run("payment binding", func(t *testing.T) {
		owner := newTestRecord(prefix + "-payer")
		require.NoError(t, ledger.Reserve(ctx, owner))
		_, err := ledger.Commit(ctx, owner.SubjectID, "sha256:feed", "0xtx1")
		require.NoError(t, err)

		// The same payment cannot reserve a slot for a different subject.
		thief := newTestRecord(prefix + "-thief")
		thief.PaymentID = owner.PaymentID
		require.ErrorIs(t, ledger.Reserve(ctx, thief), bazaar.ErrPaymentBound)
		_, err = ledger.Get(ctx, thief.SubjectID)
		require.ErrorIs(t, err, bazaar.ErrNotFound, "rejected reservation leaves no record")

		// A failed record keeps its payment bound.
		abandoned := newTestRecord(prefix + "-abandoned")
		require.NoError(t, ledger.Reserve(ctx, abandoned))
		_, err = ledger.MarkFailed(ctx, abandoned.SubjectID, "content_store_failure", "store down")
		require.NoError(t, err)
		thief = newTestRecord(prefix + "-thief")
		thief.PaymentID = abandoned.PaymentID
		require.ErrorIs(t, ledger.Reserve(ctx, thief), bazaar.ErrPaymentBound)

		// Retrying with a fresh payment releases the abandoned one.
		require.NoError(t, ledger.Reserve(ctx, newTestRecord(abandoned.SubjectID)))
		reuse := newTestRecord(prefix + "-reuse")
		reuse.PaymentID = abandoned.PaymentID
		require.NoError(t, ledger.Reserve(ctx, reuse))
	})

	t.Run("missing records", func(t *testing.T) {
		subjectID := prefix + "-missing"

		_, err := ledger.Get(ctx, subjectID)
		require.ErrorIs(t, err, bazaar.ErrNotFound)

		require.ErrorIs(t, ledger.SetContentAddress(ctx, subjectID, "sha256:feed"), bazaar.ErrNotFound)

		_, err = ledger.Commit(ctx, subjectID, "sha256:feed", "0xtx")
		require.Error(t, err)
		assert.True(t, bazaar.IsCode(err, bazaar.ErrCodeInternalInconsistency))

		_, err = ledger.MarkFailed(ctx, subjectID, "content_store_failure", "nothing to fail")
		require.Error(t, err)
		assert.True(t, bazaar.IsCode(err, bazaar.ErrCodeInternalInconsistency))
	})

	t.Run("concurrent reserve", func(t *testing.T) {
		subjectID := prefix + "-race"

		const contenders = 8
		errs := make([]error, contenders)
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				record := newTestRecord(subjectID)
				record.ClaimID = fmt.Sprintf("contender-%d", slot)
				errs[slot] = ledger.Reserve(ctx, record)
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			require.True(t, errors.Is(err, bazaar.ErrSlotHeld), "unexpected reserve error: %v", err)
		}
		assert.Equal(t, 1, winners, "exactly one concurrent reservation wins")
	})
}
