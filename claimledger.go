package bazaar

import (
	"context"
	"sync"
	"time"
)

// MemoryClaimLedger is an in-memory ClaimLedger for tests and single-process
// deployments. Durable backends live in the claimstore package; this one keeps
// the same atomicity contract without surviving a restart.
type MemoryClaimLedger struct {
	mu      sync.Mutex
	records map[string]*ClaimRecord
	// payments maps payment id to the subject holding it. A binding lives as
	// long as the record that carries the payment; replacing a failed record
	// with a fresh payment releases the old one.
	payments map[string]string
}

// NewMemoryClaimLedger creates an empty in-memory claim ledger.
func NewMemoryClaimLedger() *MemoryClaimLedger {
	return &MemoryClaimLedger{
		records:  make(map[string]*ClaimRecord),
		payments: make(map[string]string),
	}
}

// Reserve atomically claims the subject's idempotency slot. Exactly one of any
// number of concurrent callers wins; the rest receive ErrSlotHeld. A failed
// record does not hold the slot and is replaced by the new pending record.
// Reserve also binds the record's payment id to the subject: a payment id
// held by a different subject returns ErrPaymentBound, so one payment can
// never fund two registrations.
func (l *MemoryClaimLedger) Reserve(_ context.Context, record *ClaimRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var replaced *ClaimRecord
	if existing, exists := l.records[record.SubjectID]; exists {
		if existing.Status != StatusFailed {
			return ErrSlotHeld
		}
		replaced = existing
	}
	if record.PaymentID != "" {
		if holder, bound := l.payments[record.PaymentID]; bound && holder != record.SubjectID {
			return ErrPaymentBound
		}
	}

	stored := record.Clone()
	stored.Status = StatusPending
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if replaced != nil && replaced.PaymentID != "" && replaced.PaymentID != record.PaymentID {
		delete(l.payments, replaced.PaymentID)
	}
	if record.PaymentID != "" {
		l.payments[record.PaymentID] = record.SubjectID
	}
	l.records[record.SubjectID] = stored
	return nil
}

// SetContentAddress persists the content address on the pending record.
func (l *MemoryClaimLedger) SetContentAddress(_ context.Context, subjectID, contentAddress string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, exists := l.records[subjectID]
	if !exists {
		return ErrNotFound
	}
	if record.Status != StatusPending {
		return NewError(ErrCodeInternalInconsistency,
			"content address set on a non-pending record",
			map[string]interface{}{"subjectId": subjectID, "status": string(record.Status)})
	}
	record.ContentAddress = contentAddress
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// Commit transitions the pending record to registered and persists the
// transaction hash. The registered record is permanent.
func (l *MemoryClaimLedger) Commit(_ context.Context, subjectID, contentAddress, txHash string) (*ClaimRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, exists := l.records[subjectID]
	if !exists {
		return nil, NewError(ErrCodeInternalInconsistency,
			"commit of a missing record",
			map[string]interface{}{"subjectId": subjectID})
	}
	if record.Status != StatusPending {
		return nil, NewError(ErrCodeInternalInconsistency,
			"commit of a non-pending record",
			map[string]interface{}{"subjectId": subjectID, "status": string(record.Status)})
	}

	record.Status = StatusRegistered
	record.ContentAddress = contentAddress
	record.TransactionHash = txHash
	record.FailureCode = ""
	record.FailureReason = ""
	record.UpdatedAt = time.Now().UTC()
	return record.Clone(), nil
}

// MarkFailed transitions the pending record to failed. The payment id and any
// content address stay on the record so a retry can resume without paying or
// re-uploading.
func (l *MemoryClaimLedger) MarkFailed(_ context.Context, subjectID, failureCode, reason string) (*ClaimRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, exists := l.records[subjectID]
	if !exists {
		return nil, NewError(ErrCodeInternalInconsistency,
			"failure mark on a missing record",
			map[string]interface{}{"subjectId": subjectID})
	}
	if record.Status == StatusRegistered {
		return nil, NewError(ErrCodeInternalInconsistency,
			"failure mark on a registered record",
			map[string]interface{}{"subjectId": subjectID})
	}

	record.Status = StatusFailed
	record.FailureCode = failureCode
	record.FailureReason = reason
	record.UpdatedAt = time.Now().UTC()
	return record.Clone(), nil
}

// Get returns the record for a subject id, or ErrNotFound.
func (l *MemoryClaimLedger) Get(_ context.Context, subjectID string) (*ClaimRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, exists := l.records[subjectID]
	if !exists {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// Len reports the number of stored records. Test helper.
func (l *MemoryClaimLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
