package bazaar

import (
	"context"
	"time"
)

// ============================================================================
// Coordinator Hook Context Types
// ============================================================================

// SubmitContext contains information passed to every submission hook
type SubmitContext struct {
	Ctx        context.Context
	Submission *ClaimSubmission
	Timestamp  time.Time
}

// VerifyContext contains information passed to verify hooks
type VerifyContext struct {
	SubmitContext
	Proof       *PaymentProof
	Requirement *PaymentRequirement
}

// VerifyResultContext contains the facilitator verdict and context
type VerifyResultContext struct {
	VerifyContext
	Verdict  *PaymentVerdict
	Duration time.Duration
}

// RegisteredContext contains the committed record and context
type RegisteredContext struct {
	SubmitContext
	Record *ClaimRecord
}

// FailedContext contains the failed record and the error that caused it
type FailedContext struct {
	SubmitContext
	Record *ClaimRecord
	Error  error
}

// DuplicateContext contains the registered record returned for a replayed
// submission
type DuplicateContext struct {
	SubmitContext
	Record *ClaimRecord
}

// ============================================================================
// Coordinator Hook Result Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the submission is rejected with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Coordinator Hook Function Types
// ============================================================================

// BeforeVerifyHook is called before payment verification
// If it returns a result with Abort=true, the submission is rejected with
// a payment_rejected error carrying the provided reason
type BeforeVerifyHook func(VerifyContext) (*BeforeHookResult, error)

// AfterVerifyHook is called after the facilitator returned a verified verdict
// Any error returned is logged but does not affect the submission
type AfterVerifyHook func(VerifyResultContext) error

// OnRegisteredHook is called once a claim reaches registered status
// Any error returned is logged but does not affect the submission
type OnRegisteredHook func(RegisteredContext) error

// OnFailedHook is called when a reserved claim is marked failed
// Any error returned is logged but does not affect the submission
type OnFailedHook func(FailedContext) error

// OnDuplicateHook is called when a replayed submission returns the existing
// registered record without touching the facilitator or the ledger
// Any error returned is logged but does not affect the submission
type OnDuplicateHook func(DuplicateContext) error

// ============================================================================
// Coordinator Hook Registration Options
// ============================================================================

// WithBeforeVerifyHook registers a hook to execute before payment verification
func WithBeforeVerifyHook(hook BeforeVerifyHook) CoordinatorOption {
	return func(c *Coordinator) {
		c.beforeVerifyHooks = append(c.beforeVerifyHooks, hook)
	}
}

// WithAfterVerifyHook registers a hook to execute after successful payment verification
func WithAfterVerifyHook(hook AfterVerifyHook) CoordinatorOption {
	return func(c *Coordinator) {
		c.afterVerifyHooks = append(c.afterVerifyHooks, hook)
	}
}

// WithOnRegisteredHook registers a hook to execute when a claim is registered
func WithOnRegisteredHook(hook OnRegisteredHook) CoordinatorOption {
	return func(c *Coordinator) {
		c.onRegisteredHooks = append(c.onRegisteredHooks, hook)
	}
}

// WithOnFailedHook registers a hook to execute when a claim is marked failed
func WithOnFailedHook(hook OnFailedHook) CoordinatorOption {
	return func(c *Coordinator) {
		c.onFailedHooks = append(c.onFailedHooks, hook)
	}
}

// WithOnDuplicateHook registers a hook to execute when a replayed submission
// short-circuits to the existing registered record
func WithOnDuplicateHook(hook OnDuplicateHook) CoordinatorOption {
	return func(c *Coordinator) {
		c.onDuplicateHooks = append(c.onDuplicateHooks, hook)
	}
}
