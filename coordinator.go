package bazaar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultConfirmTimeout = 60 * time.Second
)

// Coordinator drives claim registration end to end: idempotency check, payment
// verification, content upload, ledger broadcast, and the final commit. All
// claim-ledger mutation goes through Reserve/Commit/MarkFailed so concurrent
// submissions for one subject are totally ordered by the reservation.
type Coordinator struct {
	mu sync.RWMutex

	ledger      ClaimLedger
	facilitator FacilitatorClient
	store       ContentStore
	chain       LedgerClient

	pollInterval   time.Duration
	confirmTimeout time.Duration
	logger         *log.Logger

	// Lifecycle hooks
	beforeVerifyHooks []BeforeVerifyHook
	afterVerifyHooks  []AfterVerifyHook
	onRegisteredHooks []OnRegisteredHook
	onFailedHooks     []OnFailedHook
	onDuplicateHooks  []OnDuplicateHook
}

// CoordinatorOption configures the coordinator
type CoordinatorOption func(*Coordinator)

// WithPollInterval sets how often a broadcast transaction is polled for
// confirmation
func WithPollInterval(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithConfirmTimeout bounds how long a registration waits for ledger
// confirmation before the record is marked failed
func WithConfirmTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.confirmTimeout = timeout
		}
	}
}

// WithLogger sets the coordinator's logger. The default discards output.
func WithLogger(logger *log.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a coordinator over the four collaborators.
func NewCoordinator(ledger ClaimLedger, facilitator FacilitatorClient, store ContentStore, chain LedgerClient, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		ledger:         ledger,
		facilitator:    facilitator,
		store:          store,
		chain:          chain,
		pollInterval:   defaultPollInterval,
		confirmTimeout: defaultConfirmTimeout,
		logger:         log.New(io.Discard, "", 0),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ============================================================================
// Hook Registration Methods (Chainable)
// ============================================================================

// OnBeforeVerify registers a hook to execute before payment verification
// Can reject the submission by returning a result with Abort=true
func (c *Coordinator) OnBeforeVerify(hook BeforeVerifyHook) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeVerifyHooks = append(c.beforeVerifyHooks, hook)
	return c
}

// OnAfterVerify registers a hook to execute after successful payment verification
func (c *Coordinator) OnAfterVerify(hook AfterVerifyHook) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterVerifyHooks = append(c.afterVerifyHooks, hook)
	return c
}

// OnRegistered registers a hook to execute when a claim reaches registered status
func (c *Coordinator) OnRegistered(hook OnRegisteredHook) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRegisteredHooks = append(c.onRegisteredHooks, hook)
	return c
}

// OnFailed registers a hook to execute when a reserved claim is marked failed
func (c *Coordinator) OnFailed(hook OnFailedHook) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailedHooks = append(c.onFailedHooks, hook)
	return c
}

// OnDuplicate registers a hook to execute when a replayed submission returns
// the existing registered record
func (c *Coordinator) OnDuplicate(hook OnDuplicateHook) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDuplicateHooks = append(c.onDuplicateHooks, hook)
	return c
}

// ============================================================================
// Submission Pipeline
// ============================================================================

// Submit registers a claim, gated by payment. Steps in order:
//
//  1. Idempotency check against the claim ledger
//  2. Payment verification via the facilitator (skipped on a paid retry)
//  3. Atomic reservation of the subject's slot, binding the payment to it
//  4. Content upload
//  5. Ledger broadcast and confirmation wait
//  6. Commit to registered
//
// Errors before the reservation leave no state behind. Failures at step 4 or 5
// mark the record failed and return it alongside the error; a later submission
// for the same claim resumes without paying again. The payment binding at
// step 3 rejects a proof replayed for a different subject even when the
// facilitator would verify it again.
//
// The requirement is the advertised option the proof claims to satisfy; the
// negotiator matches it before delegating here.
func (c *Coordinator) Submit(ctx context.Context, sub *ClaimSubmission, proof *PaymentProof, requirement *PaymentRequirement) (*ClaimRecord, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	fingerprint, err := sub.Fingerprint()
	if err != nil {
		return nil, NewError(ErrCodeInvalidSubmission, fmt.Sprintf("fingerprint payload: %v", err), nil)
	}

	// Step 1: idempotency check
	existing, err := c.ledger.Get(ctx, sub.SubjectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("idempotency check for %s: %w", sub.SubjectID, err)
	}

	paidRetry := false
	var carried *ClaimRecord
	if existing != nil {
		record, proceed, err := c.resolveExisting(ctx, sub, existing)
		if !proceed {
			return record, err
		}
		// Failed record: the slot is free. A matching resubmission resumes
		// with the payment already consumed; a different payload starts over.
		if existing.Matches(sub) && existing.PaymentID != "" {
			paidRetry = true
			carried = existing
		}
	}

	// Step 2: payment verification (skipped when the failed record already
	// paid for this exact claim)
	paymentID := ""
	if paidRetry {
		paymentID = carried.PaymentID
		c.logger.Printf("claim %s: retry with payment %s, facilitator skipped", sub.SubjectID, paymentID)
	} else {
		verdict, err := c.verifyPayment(ctx, sub, proof, requirement)
		if err != nil {
			return nil, err
		}
		paymentID = verdict.PaymentID
	}

	// Step 3: atomic reservation
	record := &ClaimRecord{
		SubjectID:   sub.SubjectID,
		ClaimID:     uuid.NewString(),
		ClaimType:   sub.ClaimType,
		Fingerprint: fingerprint,
		Payload:     append([]byte(nil), sub.Payload...),
		PaymentID:   paymentID,
		Status:      StatusPending,
	}
	if carried != nil {
		// Same claim as the failed attempt: keep its identity and any
		// content already uploaded.
		record.ClaimID = carried.ClaimID
		record.ContentAddress = carried.ContentAddress
		record.CreatedAt = carried.CreatedAt
	}

	if err := c.ledger.Reserve(ctx, record); err != nil {
		if errors.Is(err, ErrSlotHeld) {
			return c.resolveLostRace(ctx, sub)
		}
		if errors.Is(err, ErrPaymentBound) {
			c.logger.Printf("claim %s: payment %s already bound to another claim", sub.SubjectID, paymentID)
			return nil, NewError(ErrCodePaymentRejected,
				"payment already consumed by another registration",
				map[string]interface{}{"subjectId": sub.SubjectID})
		}
		return nil, fmt.Errorf("reserve claim slot for %s: %w", sub.SubjectID, err)
	}
	c.logger.Printf("claim %s: reserved (claimId=%s)", sub.SubjectID, record.ClaimID)

	// Steps 4-6
	return c.finishRegistration(ctx, sub, record)
}

// Lookup returns the claim record for a subject id.
func (c *Coordinator) Lookup(ctx context.Context, subjectID string) (*ClaimRecord, error) {
	if subjectID == "" {
		return nil, NewError(ErrCodeInvalidSubmission, "subject id is required", nil)
	}
	record, err := c.ledger.Get(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrCodeClaimNotFound,
				fmt.Sprintf("no claim registered for %s", subjectID),
				map[string]interface{}{"subjectId": subjectID})
		}
		return nil, fmt.Errorf("lookup %s: %w", subjectID, err)
	}
	return record, nil
}

// Recover resumes a claim that was left pending or failed, re-running upload,
// broadcast and commit without touching the facilitator. The payment consumed
// by the original submission still covers the registration. Intended for
// startup reconciliation after a crash or a cancelled request.
func (c *Coordinator) Recover(ctx context.Context, subjectID string) (*ClaimRecord, error) {
	record, err := c.ledger.Get(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(ErrCodeClaimNotFound,
				fmt.Sprintf("no claim to recover for %s", subjectID),
				map[string]interface{}{"subjectId": subjectID})
		}
		return nil, fmt.Errorf("recover %s: %w", subjectID, err)
	}

	switch record.Status {
	case StatusRegistered:
		return record, nil
	case StatusFailed:
		if record.PaymentID == "" {
			return nil, NewError(ErrCodeInternalInconsistency,
				"failed record has no payment to resume from",
				map[string]interface{}{"subjectId": subjectID})
		}
		if err := c.ledger.Reserve(ctx, record); err != nil {
			if errors.Is(err, ErrSlotHeld) {
				return nil, NewError(ErrCodeSubmissionInProgress,
					fmt.Sprintf("a submission for %s is already in progress", subjectID),
					map[string]interface{}{"subjectId": subjectID})
			}
			return nil, fmt.Errorf("re-reserve claim slot for %s: %w", subjectID, err)
		}
	case StatusPending:
		// Slot already held by the record being recovered.
	default:
		return nil, NewError(ErrCodeInternalInconsistency,
			fmt.Sprintf("unknown claim status %q", record.Status),
			map[string]interface{}{"subjectId": subjectID})
	}

	sub := &ClaimSubmission{
		SubjectID: record.SubjectID,
		ClaimType: record.ClaimType,
		Payload:   record.Payload,
	}
	c.logger.Printf("claim %s: recovering from status %s", subjectID, record.Status)
	return c.finishRegistration(ctx, sub, record)
}

// ============================================================================
// Pipeline internals
// ============================================================================

// resolveExisting applies the idempotency rules to a record found at step 1.
// proceed=true means the submission continues into the payment path.
func (c *Coordinator) resolveExisting(ctx context.Context, sub *ClaimSubmission, existing *ClaimRecord) (*ClaimRecord, bool, error) {
	switch existing.Status {
	case StatusRegistered:
		if existing.Matches(sub) {
			c.fireDuplicate(ctx, sub, existing)
			return existing, false, nil
		}
		return nil, false, NewError(ErrCodeClaimConflict,
			fmt.Sprintf("subject %s already registered a different claim", sub.SubjectID),
			map[string]interface{}{
				"subjectId":   sub.SubjectID,
				"fingerprint": existing.Fingerprint,
			})
	case StatusPending:
		return nil, false, NewError(ErrCodeSubmissionInProgress,
			fmt.Sprintf("a submission for %s is already in progress", sub.SubjectID),
			map[string]interface{}{"subjectId": sub.SubjectID})
	case StatusFailed:
		return nil, true, nil
	default:
		return nil, false, NewError(ErrCodeInternalInconsistency,
			fmt.Sprintf("unknown claim status %q", existing.Status),
			map[string]interface{}{"subjectId": sub.SubjectID})
	}
}

// resolveLostRace handles a reservation lost to a concurrent submission. The
// winner's record decides the outcome the same way step 1 would.
func (c *Coordinator) resolveLostRace(ctx context.Context, sub *ClaimSubmission) (*ClaimRecord, error) {
	winner, err := c.ledger.Get(ctx, sub.SubjectID)
	if err != nil {
		return nil, NewError(ErrCodeSubmissionInProgress,
			fmt.Sprintf("a submission for %s is already in progress", sub.SubjectID),
			map[string]interface{}{"subjectId": sub.SubjectID})
	}
	if winner.Status == StatusRegistered {
		if winner.Matches(sub) {
			c.fireDuplicate(ctx, sub, winner)
			return winner, nil
		}
		return nil, NewError(ErrCodeClaimConflict,
			fmt.Sprintf("subject %s already registered a different claim", sub.SubjectID),
			map[string]interface{}{"subjectId": sub.SubjectID, "fingerprint": winner.Fingerprint})
	}
	return nil, NewError(ErrCodeSubmissionInProgress,
		fmt.Sprintf("a submission for %s is already in progress", sub.SubjectID),
		map[string]interface{}{"subjectId": sub.SubjectID})
}

// verifyPayment runs the before-verify hooks and the facilitator call. Nothing
// here mutates the claim ledger.
func (c *Coordinator) verifyPayment(ctx context.Context, sub *ClaimSubmission, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error) {
	if proof == nil {
		return nil, NewError(ErrCodeMalformedProof, "payment proof required", nil)
	}
	if err := proof.ValidateShape(); err != nil {
		return nil, err
	}
	if requirement == nil {
		return nil, NewError(ErrCodeMalformedProof,
			"no payment requirement matches the proof",
			map[string]interface{}{"rail": string(proof.Rail), "scheme": proof.Scheme})
	}

	hookCtx := VerifyContext{
		SubmitContext: SubmitContext{Ctx: ctx, Submission: sub, Timestamp: time.Now().UTC()},
		Proof:         proof,
		Requirement:   requirement,
	}

	c.mu.RLock()
	beforeHooks := c.beforeVerifyHooks
	afterHooks := c.afterVerifyHooks
	c.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			c.logger.Printf("before-verify hook: %v", err)
		}
		if result != nil && result.Abort {
			return nil, NewError(ErrCodePaymentRejected, result.Reason,
				map[string]interface{}{"subjectId": sub.SubjectID})
		}
	}

	start := time.Now()
	verdict, err := c.facilitator.Verify(ctx, proof, requirement)
	if err != nil {
		if IsCode(err, ErrCodeFacilitatorUnavailable) {
			return nil, err
		}
		return nil, NewError(ErrCodeFacilitatorUnavailable,
			fmt.Sprintf("payment facilitator unreachable: %v", err),
			map[string]interface{}{"subjectId": sub.SubjectID})
	}
	if !verdict.Verified {
		return nil, NewError(ErrCodePaymentRejected, verdict.Reason,
			map[string]interface{}{"subjectId": sub.SubjectID})
	}
	if verdict.PaymentID == "" {
		return nil, NewError(ErrCodePaymentRejected,
			"facilitator returned a verified payment without a payment id",
			map[string]interface{}{"subjectId": sub.SubjectID})
	}

	resultCtx := VerifyResultContext{
		VerifyContext: hookCtx,
		Verdict:       verdict,
		Duration:      time.Since(start),
	}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			c.logger.Printf("after-verify hook: %v", err)
		}
	}

	return verdict, nil
}

// finishRegistration runs steps 4-6 against a reserved record. A context
// cancellation mid-flight leaves the record pending for Recover; any other
// failure marks it failed with the payment retained.
func (c *Coordinator) finishRegistration(ctx context.Context, sub *ClaimSubmission, record *ClaimRecord) (*ClaimRecord, error) {
	// Step 4: content upload, skipped when a prior attempt already stored it
	contentAddress := record.ContentAddress
	if contentAddress == "" {
		addr, err := c.store.Upload(ctx, record.Payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("registration interrupted for %s: %w", sub.SubjectID, err)
			}
			return c.markFailed(ctx, sub, ErrCodeContentStoreFailure,
				fmt.Sprintf("content upload failed: %v", err))
		}
		contentAddress = addr
		if err := c.ledger.SetContentAddress(ctx, sub.SubjectID, contentAddress); err != nil {
			// Non-fatal: the commit below persists the address; only a crash
			// before then costs a redundant re-upload on recovery.
			c.logger.Printf("claim %s: persist content address: %v", sub.SubjectID, err)
		}
		c.logger.Printf("claim %s: content stored at %s", sub.SubjectID, contentAddress)
	}

	// Step 5: ledger broadcast and confirmation
	registration := &Registration{
		SubjectID:      record.SubjectID,
		ClaimID:        record.ClaimID,
		ClaimType:      record.ClaimType,
		ContentAddress: contentAddress,
	}
	txHash, err := c.chain.Broadcast(ctx, registration)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("registration interrupted for %s: %w", sub.SubjectID, err)
		}
		return c.markFailed(ctx, sub, ErrCodeLedgerBroadcastFailure,
			fmt.Sprintf("ledger broadcast failed: %v", err))
	}
	c.logger.Printf("claim %s: broadcast %s", sub.SubjectID, txHash)

	if err := c.awaitConfirmation(ctx, txHash); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("registration interrupted for %s: %w", sub.SubjectID, err)
		}
		return c.markFailed(ctx, sub, ErrCodeLedgerBroadcastFailure, err.Error())
	}

	// Step 6: commit
	final, err := c.ledger.Commit(ctx, record.SubjectID, contentAddress, txHash)
	if err != nil {
		return nil, fmt.Errorf("commit claim %s: %w", record.SubjectID, err)
	}
	c.logger.Printf("claim %s: registered (tx=%s)", sub.SubjectID, txHash)
	c.fireRegistered(ctx, sub, final)
	return final, nil
}

// awaitConfirmation polls the ledger until the transaction confirms, the
// timeout lapses, or the context is cancelled.
func (c *Coordinator) awaitConfirmation(ctx context.Context, txHash string) error {
	timeout := time.NewTimer(c.confirmTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		confirmed, err := c.chain.Confirm(ctx, txHash)
		if err != nil {
			return fmt.Errorf("confirm transaction %s: %w", txHash, err)
		}
		if confirmed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("transaction %s not confirmed within %s", txHash, c.confirmTimeout)
		case <-ticker.C:
		}
	}
}

// markFailed transitions the reserved record to failed and returns it with a
// typed error. The payment id and any content address stay on the record so a
// retry can resume where this attempt stopped.
func (c *Coordinator) markFailed(ctx context.Context, sub *ClaimSubmission, code, reason string) (*ClaimRecord, error) {
	failErr := NewError(code, reason, map[string]interface{}{"subjectId": sub.SubjectID})

	record, err := c.ledger.MarkFailed(ctx, sub.SubjectID, code, reason)
	if err != nil {
		c.logger.Printf("claim %s: mark failed: %v", sub.SubjectID, err)
		return nil, failErr
	}
	c.logger.Printf("claim %s: failed (%s)", sub.SubjectID, code)

	c.mu.RLock()
	hooks := c.onFailedHooks
	c.mu.RUnlock()
	hookCtx := FailedContext{
		SubmitContext: SubmitContext{Ctx: ctx, Submission: sub, Timestamp: time.Now().UTC()},
		Record:        record,
		Error:         failErr,
	}
	for _, hook := range hooks {
		if err := hook(hookCtx); err != nil {
			c.logger.Printf("failed hook: %v", err)
		}
	}

	return record, failErr
}

func (c *Coordinator) fireRegistered(ctx context.Context, sub *ClaimSubmission, record *ClaimRecord) {
	c.mu.RLock()
	hooks := c.onRegisteredHooks
	c.mu.RUnlock()

	hookCtx := RegisteredContext{
		SubmitContext: SubmitContext{Ctx: ctx, Submission: sub, Timestamp: time.Now().UTC()},
		Record:        record,
	}
	for _, hook := range hooks {
		if err := hook(hookCtx); err != nil {
			c.logger.Printf("registered hook: %v", err)
		}
	}
}

func (c *Coordinator) fireDuplicate(ctx context.Context, sub *ClaimSubmission, record *ClaimRecord) {
	c.mu.RLock()
	hooks := c.onDuplicateHooks
	c.mu.RUnlock()

	hookCtx := DuplicateContext{
		SubmitContext: SubmitContext{Ctx: ctx, Submission: sub, Timestamp: time.Now().UTC()},
		Record:        record,
	}
	for _, hook := range hooks {
		if err := hook(hookCtx); err != nil {
			c.logger.Printf("duplicate hook: %v", err)
		}
	}
}
