package bazaar

import (
	"errors"
	"fmt"
)

// Error is a registry-specific error with a machine-readable code.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidSubmission      = "invalid_submission"
	ErrCodeMalformedProof         = "malformed_proof"
	ErrCodePaymentRejected        = "payment_rejected"
	ErrCodeFacilitatorUnavailable = "facilitator_unavailable"
	ErrCodeSubmissionInProgress   = "submission_in_progress"
	ErrCodeClaimConflict          = "claim_conflict"
	ErrCodeContentStoreFailure    = "content_store_failure"
	ErrCodeLedgerBroadcastFailure = "ledger_broadcast_failure"
	ErrCodeInternalInconsistency  = "internal_inconsistency"
	ErrCodeClaimNotFound          = "claim_not_found"
)

// NewError creates a new registry error
func NewError(code, message string, detail map[string]interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Detail:  detail,
	}
}

// CodeOf extracts the registry error code from err, or "" if err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given registry error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may retry the submission. Transient
// facilitator outages and held reservations resolve on their own; post-payment
// store and broadcast failures are retryable for the same subject without a
// new payment.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeFacilitatorUnavailable,
		ErrCodeSubmissionInProgress,
		ErrCodeContentStoreFailure,
		ErrCodeLedgerBroadcastFailure:
		return true
	}
	return false
}

// ErrNotFound is returned by claim ledger lookups for unknown subjects.
var ErrNotFound = errors.New("claim record not found")

// ErrSlotHeld is returned by Reserve when the subject's idempotency slot is
// already occupied by a pending or registered record.
var ErrSlotHeld = errors.New("claim slot already held")

// ErrPaymentBound is returned by Reserve when the record's payment id is
// already bound to a different subject's claim. Each payment funds at most
// one registration, even when a facilitator re-verifies the same proof.
var ErrPaymentBound = errors.New("payment already bound to another claim")
