package bazaar

import "context"

// ============================================================================
// Leaf client boundaries
// ============================================================================

// FacilitatorClient verifies payment proofs with a payment facilitator.
//
// A denied payment returns a verdict with Verified=false and a reason, not an
// error. An error return means the facilitator could not be reached or could
// not answer; callers treat that as transient and retryable.
type FacilitatorClient interface {
	Verify(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error)
}

// ContentStore uploads an opaque claim payload to a content-addressed store
// and returns its content address, a deterministic digest of the bytes.
type ContentStore interface {
	Upload(ctx context.Context, payload []byte) (string, error)
}

// LedgerClient broadcasts registration transactions to an external append-only
// ledger. Broadcast returns a transaction handle which Confirm polls until the
// transaction is final.
type LedgerClient interface {
	Broadcast(ctx context.Context, reg *Registration) (string, error)
	Confirm(ctx context.Context, txHash string) (bool, error)
}

// ============================================================================
// Claim ledger (idempotency store)
// ============================================================================

// ClaimLedger is the durable mapping from subject id to claim record and the
// source of truth for "has this subject already paid and registered a claim".
//
// Reserve is atomic per subject id: of any number of concurrent callers,
// exactly one wins the pending slot and the rest receive ErrSlotHeld. A
// failed record does not hold the slot; Reserve replaces it. All status
// mutation goes through Reserve, SetContentAddress, Commit and MarkFailed.
type ClaimLedger interface {
	// Reserve atomically creates the pending record for record.SubjectID.
	// Returns ErrSlotHeld when a pending or registered record exists.
	Reserve(ctx context.Context, record *ClaimRecord) error

	// SetContentAddress persists the content address on the pending record so
	// a later retry can rebroadcast without re-uploading.
	SetContentAddress(ctx context.Context, subjectID, contentAddress string) error

	// Commit transitions the pending record to registered and persists the
	// transaction hash. Commit of a missing or non-pending record is an
	// internal inconsistency.
	Commit(ctx context.Context, subjectID, contentAddress, txHash string) (*ClaimRecord, error)

	// MarkFailed transitions the pending record to failed, retaining the
	// payment id and any content address for diagnosis and retry.
	MarkFailed(ctx context.Context, subjectID, failureCode, reason string) (*ClaimRecord, error)

	// Get returns the record for a subject id, or ErrNotFound.
	Get(ctx context.Context, subjectID string) (*ClaimRecord, error)
}

// ============================================================================
// Rail mechanisms
// ============================================================================

// ProofBuilder is implemented by client-side rail mechanisms. Given a
// requirement from a challenge it constructs a signed payment proof,
// delegating to whatever wallet or key material the mechanism holds.
type ProofBuilder interface {
	Scheme() string
	BuildProof(ctx context.Context, requirement *PaymentRequirement) (*PaymentProof, error)
}

// RailVerifier is implemented by facilitator-side rail mechanisms. Verify
// answers with a verdict; structural or economic rejections set Verified=false
// with a reason rather than returning an error.
type RailVerifier interface {
	Scheme() string
	Verify(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error)
}
