package bazaar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// Mock collaborators for coordinator tests

type mockFacilitatorClient struct {
	mu     sync.Mutex
	calls  int
	verify func(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error)
}

func (m *mockFacilitatorClient) Verify(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.verify != nil {
		return m.verify(ctx, proof, requirement)
	}
	return &PaymentVerdict{Verified: true, PaymentID: "payment-1", Payer: "0xpayer"}, nil
}

func (m *mockFacilitatorClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockContentStore struct {
	mu     sync.Mutex
	calls  int
	upload func(ctx context.Context, content []byte) (string, error)
}

func (m *mockContentStore) Upload(ctx context.Context, content []byte) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.upload != nil {
		return m.upload(ctx, content)
	}
	return "content-address-1", nil
}

func (m *mockContentStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockLedgerClient struct {
	mu        sync.Mutex
	calls     int
	broadcast func(ctx context.Context, reg *Registration) (string, error)
	confirm   func(ctx context.Context, txHash string) (bool, error)
}

func (m *mockLedgerClient) Broadcast(ctx context.Context, reg *Registration) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.broadcast != nil {
		return m.broadcast(ctx, reg)
	}
	return "0xtxhash", nil
}

func (m *mockLedgerClient) Confirm(ctx context.Context, txHash string) (bool, error) {
	if m.confirm != nil {
		return m.confirm(ctx, txHash)
	}
	return true, nil
}

func (m *mockLedgerClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Test fixtures

func testSubmission(subjectID string) *ClaimSubmission {
	return &ClaimSubmission{
		SubjectID: subjectID,
		ClaimType: ClaimTypeIdentity,
		Payload:   json.RawMessage(`{"model":"test-agent","name":"agent-007"}`),
	}
}

func testProof() *PaymentProof {
	return &PaymentProof{
		Version: ProtocolVersion,
		Rail:    "eip155:84532",
		Scheme:  "exact",
		Payload: map[string]interface{}{"payer": "0xpayer", "nonce": "0xabc123"},
	}
}

func testRequirement() *PaymentRequirement {
	return &PaymentRequirement{
		Scheme:            "exact",
		Rail:              "eip155:84532",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:            "10000",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 300,
	}
}

func newTestCoordinator(fac FacilitatorClient, store ContentStore, chain LedgerClient, opts ...CoordinatorOption) (*Coordinator, *MemoryClaimLedger) {
	ledger := NewMemoryClaimLedger()
	if fac == nil {
		fac = &mockFacilitatorClient{}
	}
	if store == nil {
		store = &mockContentStore{}
	}
	if chain == nil {
		chain = &mockLedgerClient{}
	}
	base := []CoordinatorOption{
		WithPollInterval(time.Millisecond),
		WithConfirmTimeout(200 * time.Millisecond),
	}
	coordinator := NewCoordinator(ledger, fac, store, chain, append(base, opts...)...)
	return coordinator, ledger
}

// Tests

func TestSubmitRegistersClaim(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{}
	store := &mockContentStore{}
	chain := &mockLedgerClient{}
	coordinator, ledger := newTestCoordinator(fac, store, chain)

	record, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if record.Status != StatusRegistered {
		t.Fatalf("Expected registered status, got %s", record.Status)
	}
	if record.TransactionHash != "0xtxhash" {
		t.Fatalf("Expected transaction hash to be persisted, got %q", record.TransactionHash)
	}
	if record.ContentAddress != "content-address-1" {
		t.Fatalf("Expected content address to be persisted, got %q", record.ContentAddress)
	}
	if record.PaymentID != "payment-1" {
		t.Fatalf("Expected payment id to be persisted, got %q", record.PaymentID)
	}
	if record.ClaimID == "" {
		t.Fatal("Expected a claim id to be assigned")
	}
	if ledger.Len() != 1 {
		t.Fatalf("Expected 1 record in the ledger, got %d", ledger.Len())
	}
	if fac.Calls() != 1 {
		t.Fatalf("Expected exactly one facilitator call, got %d", fac.Calls())
	}
}

func TestSubmitIdenticalResubmissionIsNoOp(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{}
	store := &mockContentStore{}
	chain := &mockLedgerClient{}
	coordinator, _ := newTestCoordinator(fac, store, chain)

	first, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Resubmit the identical claim without any proof at all
	second, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error on resubmission: %v", err)
	}
	if second.ClaimID != first.ClaimID {
		t.Fatalf("Expected the original record, got claim id %s", second.ClaimID)
	}
	if second.TransactionHash != first.TransactionHash {
		t.Fatal("Expected the original record verbatim")
	}
	if fac.Calls() != 1 {
		t.Fatalf("Expected no facilitator call on resubmission, got %d total", fac.Calls())
	}
	if chain.Calls() != 1 {
		t.Fatalf("Expected no second broadcast, got %d total", chain.Calls())
	}
}

func TestSubmitDifferentPayloadConflicts(t *testing.T) {
	ctx := context.Background()
	coordinator, _ := newTestCoordinator(nil, nil, nil)

	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	changed := testSubmission("did:agent:alpha")
	changed.Payload = json.RawMessage(`{"model":"test-agent","name":"agent-008"}`)
	_, err := coordinator.Submit(ctx, changed, testProof(), testRequirement())
	if err == nil {
		t.Fatal("Expected conflict error")
	}
	if !IsCode(err, ErrCodeClaimConflict) {
		t.Fatalf("Expected claim_conflict, got %v", err)
	}
}

func TestSubmitKeyOrderDoesNotConflict(t *testing.T) {
	ctx := context.Background()
	coordinator, _ := newTestCoordinator(nil, nil, nil)

	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Same document, different key order: must be treated as identical
	reordered := testSubmission("did:agent:alpha")
	reordered.Payload = json.RawMessage(`{"name":"agent-007","model":"test-agent"}`)
	record, err := coordinator.Submit(ctx, reordered, nil, nil)
	if err != nil {
		t.Fatalf("Expected idempotent return, got %v", err)
	}
	if record.Status != StatusRegistered {
		t.Fatalf("Expected registered record, got %s", record.Status)
	}
}

func TestSubmitPaymentRejectedLeavesNoState(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{
		verify: func(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error) {
			return &PaymentVerdict{Verified: false, Reason: "insufficient amount"}, nil
		},
	}
	coordinator, ledger := newTestCoordinator(fac, nil, nil)

	_, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if err == nil {
		t.Fatal("Expected rejection error")
	}
	if !IsCode(err, ErrCodePaymentRejected) {
		t.Fatalf("Expected payment_rejected, got %v", err)
	}
	if ledger.Len() != 0 {
		t.Fatalf("Expected no record for a rejected payment, got %d", ledger.Len())
	}

	if _, err := coordinator.Lookup(ctx, "did:agent:alpha"); !IsCode(err, ErrCodeClaimNotFound) {
		t.Fatalf("Expected claim_not_found after rejection, got %v", err)
	}
}

func TestSubmitSamePaymentDifferentSubjectRejected(t *testing.T) {
	ctx := context.Background()
	// The default mock verifies every proof with the same payment id, the
	// situation a facilitator with a verdict cache produces for a replayed
	// proof.
	coordinator, ledger := newTestCoordinator(nil, nil, nil)

	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err := coordinator.Submit(ctx, testSubmission("did:agent:beta"), testProof(), testRequirement())
	if !IsCode(err, ErrCodePaymentRejected) {
		t.Fatalf("Expected payment_rejected, got %v", err)
	}
	if ledger.Len() != 1 {
		t.Fatalf("Expected only the first claim on the ledger, got %d", ledger.Len())
	}
	if _, err := coordinator.Lookup(ctx, "did:agent:beta"); !IsCode(err, ErrCodeClaimNotFound) {
		t.Fatalf("Expected claim_not_found for the replayer, got %v", err)
	}
}

func TestSubmitFacilitatorOutageLeavesNoState(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{
		verify: func(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error) {
			return nil, errors.New("connection refused")
		},
	}
	coordinator, ledger := newTestCoordinator(fac, nil, nil)

	_, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if err == nil {
		t.Fatal("Expected outage error")
	}
	if !IsCode(err, ErrCodeFacilitatorUnavailable) {
		t.Fatalf("Expected facilitator_unavailable, got %v", err)
	}
	if !Retryable(err) {
		t.Fatal("Expected a facilitator outage to be retryable")
	}
	if ledger.Len() != 0 {
		t.Fatalf("Expected no record, got %d", ledger.Len())
	}
}

func TestSubmitMissingProofErrors(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{}
	coordinator, ledger := newTestCoordinator(fac, nil, nil)

	_, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), nil, nil)
	if err == nil {
		t.Fatal("Expected error for missing proof")
	}
	if !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected malformed_proof, got %v", err)
	}
	if fac.Calls() != 0 {
		t.Fatal("Expected no facilitator call without a proof")
	}
	if ledger.Len() != 0 {
		t.Fatalf("Expected no record, got %d", ledger.Len())
	}
}

func TestSubmitContentStoreFailureRetainsPayment(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{}
	store := &mockContentStore{
		upload: func(ctx context.Context, content []byte) (string, error) {
			return "", errors.New("store unreachable")
		},
	}
	coordinator, _ := newTestCoordinator(fac, store, nil)

	record, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if err == nil {
		t.Fatal("Expected content store failure")
	}
	if !IsCode(err, ErrCodeContentStoreFailure) {
		t.Fatalf("Expected content_store_failure, got %v", err)
	}
	if record == nil {
		t.Fatal("Expected the failed record to be returned")
	}
	if record.Status != StatusFailed {
		t.Fatalf("Expected failed status, got %s", record.Status)
	}
	if record.PaymentID != "payment-1" {
		t.Fatalf("Expected payment id retained on the failed record, got %q", record.PaymentID)
	}

	// Retry of the same claim must not touch the facilitator again
	store.upload = nil
	retried, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), nil, nil)
	if err != nil {
		t.Fatalf("Unexpected retry error: %v", err)
	}
	if retried.Status != StatusRegistered {
		t.Fatalf("Expected registered after retry, got %s", retried.Status)
	}
	if retried.PaymentID != "payment-1" {
		t.Fatalf("Expected the original payment to cover the retry, got %q", retried.PaymentID)
	}
	if retried.ClaimID != record.ClaimID {
		t.Fatal("Expected the retry to keep the claim identity")
	}
	if fac.Calls() != 1 {
		t.Fatalf("Expected exactly one facilitator call across retry, got %d", fac.Calls())
	}
}

func TestSubmitBroadcastFailureSkipsReupload(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{}
	store := &mockContentStore{}
	chain := &mockLedgerClient{
		broadcast: func(ctx context.Context, reg *Registration) (string, error) {
			return "", errors.New("rpc timeout")
		},
	}
	coordinator, _ := newTestCoordinator(fac, store, chain)

	record, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if !IsCode(err, ErrCodeLedgerBroadcastFailure) {
		t.Fatalf("Expected ledger_broadcast_failure, got %v", err)
	}
	if record == nil || record.Status != StatusFailed {
		t.Fatal("Expected a failed record")
	}
	if record.ContentAddress != "content-address-1" {
		t.Fatalf("Expected content address retained, got %q", record.ContentAddress)
	}
	if record.FailureCode != ErrCodeLedgerBroadcastFailure {
		t.Fatalf("Expected failure code on record, got %q", record.FailureCode)
	}

	chain.broadcast = nil
	retried, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), nil, nil)
	if err != nil {
		t.Fatalf("Unexpected retry error: %v", err)
	}
	if retried.Status != StatusRegistered {
		t.Fatalf("Expected registered after retry, got %s", retried.Status)
	}
	if store.Calls() != 1 {
		t.Fatalf("Expected the retry to reuse the uploaded content, got %d uploads", store.Calls())
	}
	if fac.Calls() != 1 {
		t.Fatalf("Expected no facilitator call on retry, got %d total", fac.Calls())
	}
}

func TestSubmitNewPayloadAfterFailureRequiresPayment(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{}
	store := &mockContentStore{
		upload: func(ctx context.Context, content []byte) (string, error) {
			return "", errors.New("store unreachable")
		},
	}
	coordinator, _ := newTestCoordinator(fac, store, nil)

	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement()); err == nil {
		t.Fatal("Expected content store failure")
	}

	// A different payload is a fresh claim: the stored payment does not carry over
	store.upload = nil
	changed := testSubmission("did:agent:alpha")
	changed.Payload = json.RawMessage(`{"model":"test-agent","name":"agent-009"}`)
	_, err := coordinator.Submit(ctx, changed, nil, nil)
	if !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected a payment demand for the new payload, got %v", err)
	}

	record, err := coordinator.Submit(ctx, changed, testProof(), testRequirement())
	if err != nil {
		t.Fatalf("Unexpected error with fresh proof: %v", err)
	}
	if record.Status != StatusRegistered {
		t.Fatalf("Expected registered, got %s", record.Status)
	}
	if fac.Calls() != 2 {
		t.Fatalf("Expected a second facilitator call for the new payload, got %d", fac.Calls())
	}
}

func TestSubmitPendingBlocksConcurrentSubmission(t *testing.T) {
	ctx := context.Background()
	coordinator, ledger := newTestCoordinator(nil, nil, nil)

	reserved := &ClaimRecord{
		SubjectID:   "did:agent:alpha",
		ClaimID:     "claim-1",
		ClaimType:   ClaimTypeIdentity,
		Fingerprint: "abc",
		PaymentID:   "payment-1",
	}
	if err := ledger.Reserve(ctx, reserved); err != nil {
		t.Fatalf("Unexpected reserve error: %v", err)
	}

	_, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if !IsCode(err, ErrCodeSubmissionInProgress) {
		t.Fatalf("Expected submission_in_progress, got %v", err)
	}
	if !Retryable(err) {
		t.Fatal("Expected submission_in_progress to be retryable")
	}
}

func TestSubmitConcurrentSameSubjectRegistersOnce(t *testing.T) {
	ctx := context.Background()
	var paymentSeq int
	var paymentMu sync.Mutex
	fac := &mockFacilitatorClient{
		verify: func(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error) {
			paymentMu.Lock()
			paymentSeq++
			id := fmt.Sprintf("payment-%d", paymentSeq)
			paymentMu.Unlock()
			return &PaymentVerdict{Verified: true, PaymentID: id, Payer: "0xpayer"}, nil
		},
	}
	chain := &mockLedgerClient{}
	coordinator, ledger := newTestCoordinator(fac, nil, chain)

	const attempts = 10
	var wg sync.WaitGroup
	records := make([]*ClaimRecord, attempts)
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			records[idx], errs[idx] = coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
		}(i)
	}
	wg.Wait()

	if ledger.Len() != 1 {
		t.Fatalf("Expected exactly one record, got %d", ledger.Len())
	}
	final, err := ledger.Get(ctx, "did:agent:alpha")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if final.Status != StatusRegistered {
		t.Fatalf("Expected the surviving record to be registered, got %s", final.Status)
	}
	if chain.Calls() != 1 {
		t.Fatalf("Expected exactly one broadcast, got %d", chain.Calls())
	}

	winners := 0
	for i := 0; i < attempts; i++ {
		if errs[i] == nil {
			winners++
			if records[i].ClaimID != final.ClaimID {
				t.Fatal("Expected every successful caller to see the same record")
			}
			continue
		}
		if !IsCode(errs[i], ErrCodeSubmissionInProgress) {
			t.Fatalf("Expected losers to see submission_in_progress, got %v", errs[i])
		}
	}
	if winners == 0 {
		t.Fatal("Expected at least one submission to win")
	}
}

func TestSubmitConfirmationPolling(t *testing.T) {
	ctx := context.Background()
	var polls int
	var pollMu sync.Mutex
	chain := &mockLedgerClient{
		confirm: func(ctx context.Context, txHash string) (bool, error) {
			pollMu.Lock()
			defer pollMu.Unlock()
			polls++
			return polls >= 3, nil
		},
	}
	coordinator, _ := newTestCoordinator(nil, nil, chain)

	record, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if record.Status != StatusRegistered {
		t.Fatalf("Expected registered, got %s", record.Status)
	}
	if polls < 3 {
		t.Fatalf("Expected at least 3 confirmation polls, got %d", polls)
	}
}

func TestSubmitConfirmationTimeoutMarksFailed(t *testing.T) {
	ctx := context.Background()
	chain := &mockLedgerClient{
		confirm: func(ctx context.Context, txHash string) (bool, error) {
			return false, nil
		},
	}
	coordinator, _ := newTestCoordinator(nil, nil, chain, WithConfirmTimeout(10*time.Millisecond))

	record, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if !IsCode(err, ErrCodeLedgerBroadcastFailure) {
		t.Fatalf("Expected ledger_broadcast_failure on confirmation timeout, got %v", err)
	}
	if record == nil || record.Status != StatusFailed {
		t.Fatal("Expected a failed record after confirmation timeout")
	}
}

func TestSubmitCancellationLeavesPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &mockContentStore{
		upload: func(ctx context.Context, content []byte) (string, error) {
			cancel()
			return "", ctx.Err()
		},
	}
	coordinator, ledger := newTestCoordinator(nil, store, nil)

	_, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if err == nil {
		t.Fatal("Expected an interruption error")
	}

	record, gerr := ledger.Get(context.Background(), "did:agent:alpha")
	if gerr != nil {
		t.Fatalf("Unexpected error: %v", gerr)
	}
	if record.Status != StatusPending {
		t.Fatalf("Expected cancellation to leave the record pending, got %s", record.Status)
	}
}

func TestRecoverResumesPendingRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fac := &mockFacilitatorClient{}
	store := &mockContentStore{
		upload: func(ctx context.Context, content []byte) (string, error) {
			cancel()
			return "", ctx.Err()
		},
	}
	coordinator, _ := newTestCoordinator(fac, store, nil)

	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement()); err == nil {
		t.Fatal("Expected an interruption error")
	}

	// Recovery finishes the registration without another facilitator call
	store.upload = nil
	record, err := coordinator.Recover(context.Background(), "did:agent:alpha")
	if err != nil {
		t.Fatalf("Unexpected recover error: %v", err)
	}
	if record.Status != StatusRegistered {
		t.Fatalf("Expected registered after recovery, got %s", record.Status)
	}
	if record.PaymentID != "payment-1" {
		t.Fatalf("Expected the original payment on the recovered record, got %q", record.PaymentID)
	}
	if fac.Calls() != 1 {
		t.Fatalf("Expected no facilitator call during recovery, got %d total", fac.Calls())
	}
}

func TestRecoverFailedRecord(t *testing.T) {
	ctx := context.Background()
	chain := &mockLedgerClient{
		broadcast: func(ctx context.Context, reg *Registration) (string, error) {
			return "", errors.New("rpc timeout")
		},
	}
	coordinator, _ := newTestCoordinator(nil, nil, chain)

	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement()); err == nil {
		t.Fatal("Expected broadcast failure")
	}

	chain.broadcast = nil
	record, err := coordinator.Recover(ctx, "did:agent:alpha")
	if err != nil {
		t.Fatalf("Unexpected recover error: %v", err)
	}
	if record.Status != StatusRegistered {
		t.Fatalf("Expected registered after recovery, got %s", record.Status)
	}
}

func TestRecoverRegisteredIsNoOp(t *testing.T) {
	ctx := context.Background()
	chain := &mockLedgerClient{}
	coordinator, _ := newTestCoordinator(nil, nil, chain)

	first, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	recovered, err := coordinator.Recover(ctx, "did:agent:alpha")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if recovered.ClaimID != first.ClaimID {
		t.Fatal("Expected the registered record back")
	}
	if chain.Calls() != 1 {
		t.Fatalf("Expected no second broadcast, got %d", chain.Calls())
	}
}

func TestRecoverUnknownSubject(t *testing.T) {
	coordinator, _ := newTestCoordinator(nil, nil, nil)

	_, err := coordinator.Recover(context.Background(), "did:agent:ghost")
	if !IsCode(err, ErrCodeClaimNotFound) {
		t.Fatalf("Expected claim_not_found, got %v", err)
	}
}

func TestLookupReturnsRecord(t *testing.T) {
	ctx := context.Background()
	coordinator, _ := newTestCoordinator(nil, nil, nil)

	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	record, err := coordinator.Lookup(ctx, "did:agent:alpha")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if record.SubjectID != "did:agent:alpha" {
		t.Fatalf("Expected the subject's record, got %s", record.SubjectID)
	}

	if _, err := coordinator.Lookup(ctx, "did:agent:ghost"); !IsCode(err, ErrCodeClaimNotFound) {
		t.Fatalf("Expected claim_not_found, got %v", err)
	}
}

func TestBeforeVerifyHookAborts(t *testing.T) {
	ctx := context.Background()
	fac := &mockFacilitatorClient{}
	coordinator, ledger := newTestCoordinator(fac, nil, nil)
	coordinator.OnBeforeVerify(func(hctx VerifyContext) (*BeforeHookResult, error) {
		return &BeforeHookResult{Abort: true, Reason: "payer is blocklisted"}, nil
	})

	_, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement())
	if !IsCode(err, ErrCodePaymentRejected) {
		t.Fatalf("Expected payment_rejected from the abort, got %v", err)
	}
	if fac.Calls() != 0 {
		t.Fatal("Expected the abort to prevent the facilitator call")
	}
	if ledger.Len() != 0 {
		t.Fatal("Expected no record after an aborted verification")
	}
}

func TestLifecycleHooksFire(t *testing.T) {
	ctx := context.Background()
	var registered, duplicates, failures int
	var hookMu sync.Mutex

	store := &mockContentStore{}
	fac := &mockFacilitatorClient{
		verify: func(_ context.Context, proof *PaymentProof, _ *PaymentRequirement) (*PaymentVerdict, error) {
			nonce, _ := proof.Payload["nonce"].(string)
			return &PaymentVerdict{Verified: true, PaymentID: "payment-" + nonce, Payer: "0xpayer"}, nil
		},
	}
	coordinator, _ := newTestCoordinator(fac, store, nil)
	coordinator.
		OnRegistered(func(hctx RegisteredContext) error {
			hookMu.Lock()
			registered++
			hookMu.Unlock()
			return nil
		}).
		OnDuplicate(func(hctx DuplicateContext) error {
			hookMu.Lock()
			duplicates++
			hookMu.Unlock()
			return nil
		}).
		OnFailed(func(hctx FailedContext) error {
			hookMu.Lock()
			failures++
			hookMu.Unlock()
			return nil
		})

	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), testProof(), testRequirement()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:alpha"), nil, nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	store.upload = func(ctx context.Context, content []byte) (string, error) {
		return "", errors.New("store down")
	}
	betaProof := testProof()
	betaProof.Payload["nonce"] = "0xdef456"
	if _, err := coordinator.Submit(ctx, testSubmission("did:agent:beta"), betaProof, testRequirement()); err == nil {
		t.Fatal("Expected upload failure")
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if registered != 1 {
		t.Fatalf("Expected 1 registered hook firing, got %d", registered)
	}
	if duplicates != 1 {
		t.Fatalf("Expected 1 duplicate hook firing, got %d", duplicates)
	}
	if failures != 1 {
		t.Fatalf("Expected 1 failed hook firing, got %d", failures)
	}
}
