package bazaar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
)

// Negotiator is the server-side protocol boundary. For each submission it
// either hands the claim to the coordinator or answers with a payment
// challenge listing every configured requirement. Issuing a challenge never
// mutates state; the only side effect here is logging.
type Negotiator struct {
	mu           sync.RWMutex
	coordinator  *Coordinator
	requirements []PaymentRequirement
	validator    *SubmissionValidator
	logger       *log.Logger
}

// NegotiationResult is the outcome of one negotiation. Exactly one of Record
// and Challenge is set: a challenge when payment is still owed, the record
// once the claim is registered (or was already).
type NegotiationResult struct {
	Record    *ClaimRecord
	Challenge *PaymentChallenge
	Receipt   *PaymentReceipt
}

// NegotiatorOption configures the negotiator
type NegotiatorOption func(*Negotiator)

// WithRequirement adds an accepted payment option to every challenge.
func WithRequirement(requirement PaymentRequirement) NegotiatorOption {
	return func(n *Negotiator) {
		n.requirements = append(n.requirements, requirement)
	}
}

// WithValidator replaces the default submission validator.
func WithValidator(validator *SubmissionValidator) NegotiatorOption {
	return func(n *Negotiator) {
		if validator != nil {
			n.validator = validator
		}
	}
}

// WithNegotiatorLogger sets the negotiator's logger. The default discards
// output.
func WithNegotiatorLogger(logger *log.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNegotiator creates a negotiator over the coordinator. At least one valid
// payment requirement must be configured.
func NewNegotiator(coordinator *Coordinator, opts ...NegotiatorOption) (*Negotiator, error) {
	n := &Negotiator{
		coordinator: coordinator,
		validator:   NewSubmissionValidator(),
		logger:      log.New(io.Discard, "", 0),
	}

	for _, opt := range opts {
		opt(n)
	}

	if coordinator == nil {
		return nil, fmt.Errorf("negotiator requires a coordinator")
	}
	if len(n.requirements) == 0 {
		return nil, fmt.Errorf("negotiator requires at least one payment requirement")
	}
	for i := range n.requirements {
		if err := ValidateRequirement(&n.requirements[i]); err != nil {
			return nil, fmt.Errorf("requirement %d: %w", i, err)
		}
	}

	return n, nil
}

// Requirements returns the configured payment options.
func (n *Negotiator) Requirements() []PaymentRequirement {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]PaymentRequirement, len(n.requirements))
	copy(out, n.requirements)
	return out
}

// Challenge builds the price specification advertised to unpaid clients.
func (n *Negotiator) Challenge(message string) *PaymentChallenge {
	if message == "" {
		message = "payment required"
	}
	return &PaymentChallenge{
		Version: ProtocolVersion,
		Error:   message,
		Accepts: n.Requirements(),
	}
}

// Negotiate validates the submission and drives it through the coordinator.
// A missing or malformed proof on a claim that still owes payment produces a
// challenge, not an error; a claim that owes nothing (already registered, or
// retrying a paid failed attempt) goes through regardless of the proof.
func (n *Negotiator) Negotiate(ctx context.Context, sub *ClaimSubmission, proof *PaymentProof) (*NegotiationResult, error) {
	if err := n.validator.Validate(sub); err != nil {
		return nil, err
	}

	requirement := n.matchRequirement(proof)
	record, err := n.coordinator.Submit(ctx, sub, proof, requirement)
	if err != nil {
		if IsCode(err, ErrCodeMalformedProof) {
			n.logger.Printf("claim %s: challenging (%v)", sub.SubjectID, err)
			return &NegotiationResult{Challenge: n.Challenge(errMessage(err))}, nil
		}
		// A failed registration still carries its record so transports can
		// expose the retained state alongside the error.
		if record != nil {
			return &NegotiationResult{Record: record}, err
		}
		return nil, err
	}

	result := &NegotiationResult{Record: record}
	if record.PaymentID != "" {
		result.Receipt = &PaymentReceipt{PaymentID: record.PaymentID}
		if requirement != nil {
			result.Receipt.Rail = requirement.Rail
		} else if proof != nil {
			result.Receipt.Rail = proof.Rail
		}
	}
	return result, nil
}

// Lookup returns the claim record for a subject id.
func (n *Negotiator) Lookup(ctx context.Context, subjectID string) (*ClaimRecord, error) {
	return n.coordinator.Lookup(ctx, subjectID)
}

// matchRequirement finds the configured requirement the proof claims to
// satisfy. Nil when the proof is absent or nothing matches; the coordinator
// answers both with a malformed-proof error, which becomes a challenge.
func (n *Negotiator) matchRequirement(proof *PaymentProof) *PaymentRequirement {
	if proof == nil {
		return nil
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for i := range n.requirements {
		req := &n.requirements[i]
		if req.Scheme == proof.Scheme && req.Rail.Match(proof.Rail) {
			out := *req
			return &out
		}
	}
	return nil
}

// errMessage extracts the human-readable message from a typed error.
func errMessage(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}
