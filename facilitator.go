package bazaar

import (
	"context"
	"sync"
	"time"
)

// LocalFacilitator verifies payment proofs in process by routing them to
// registered rail verifiers. It enforces single use: once a payment id has
// verified, the same proof never verifies again, so a proof consumed by a
// registration attempt cannot be replayed against another subject.
type LocalFacilitator struct {
	mu        sync.RWMutex
	verifiers map[Rail]map[string]RailVerifier

	usedMu   sync.Mutex
	consumed map[string]time.Time
}

// NewLocalFacilitator creates a facilitator with no rails registered.
func NewLocalFacilitator() *LocalFacilitator {
	return &LocalFacilitator{
		verifiers: make(map[Rail]map[string]RailVerifier),
		consumed:  make(map[string]time.Time),
	}
}

// Register adds a rail verifier for a rail pattern. Patterns may use CAIP-2
// wildcards, e.g. "eip155:*". Chainable.
func (f *LocalFacilitator) Register(rail Rail, verifier RailVerifier) *LocalFacilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.verifiers[rail] == nil {
		f.verifiers[rail] = make(map[string]RailVerifier)
	}
	f.verifiers[rail][verifier.Scheme()] = verifier
	return f
}

// SupportedRails returns the registered rail patterns.
func (f *LocalFacilitator) SupportedRails() []Rail {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rails := make([]Rail, 0, len(f.verifiers))
	for rail := range f.verifiers {
		rails = append(rails, rail)
	}
	return rails
}

// Verify routes the proof to the verifier registered for its rail and scheme,
// then applies the single-use check. A proof for an unknown rail or scheme is
// denied, not an error; errors are reserved for verifier-internal failures,
// which callers treat as a facilitator outage.
func (f *LocalFacilitator) Verify(ctx context.Context, proof *PaymentProof, requirement *PaymentRequirement) (*PaymentVerdict, error) {
	if err := proof.ValidateShape(); err != nil {
		return &PaymentVerdict{Verified: false, Reason: err.Error()}, nil
	}

	f.mu.RLock()
	verifier, ok := findByRailAndScheme(f.verifiers, proof.Rail, proof.Scheme)
	f.mu.RUnlock()
	if !ok {
		return &PaymentVerdict{
			Verified: false,
			Reason:   "unsupported rail or scheme: " + string(proof.Rail) + "/" + proof.Scheme,
		}, nil
	}

	verdict, err := verifier.Verify(ctx, proof, requirement)
	if err != nil {
		return nil, err
	}
	if !verdict.Verified {
		return verdict, nil
	}
	if verdict.PaymentID == "" {
		return &PaymentVerdict{Verified: false, Reason: "verifier produced no payment id"}, nil
	}

	if !f.consume(verdict.PaymentID) {
		return &PaymentVerdict{
			Verified:  false,
			PaymentID: verdict.PaymentID,
			Payer:     verdict.Payer,
			Reason:    "payment already consumed",
		}, nil
	}
	return verdict, nil
}

// consume marks a payment id as spent. Returns false if it was already spent.
func (f *LocalFacilitator) consume(paymentID string) bool {
	f.usedMu.Lock()
	defer f.usedMu.Unlock()

	if _, used := f.consumed[paymentID]; used {
		return false
	}
	f.consumed[paymentID] = time.Now().UTC()
	return true
}

// MockFacilitator accepts or denies every proof according to its fields.
// Used as the config-selected facilitator in local development and tests.
type MockFacilitator struct {
	// Deny makes every verification fail with Reason.
	Deny bool
	// Reason is the denial reason when Deny is set.
	Reason string
	// Unavailable makes Verify return an error, simulating an outage.
	Unavailable bool

	mu       sync.Mutex
	consumed map[string]bool
	calls    int
}

// NewMockFacilitator creates a mock that verifies everything it is shown.
func NewMockFacilitator() *MockFacilitator {
	return &MockFacilitator{consumed: make(map[string]bool)}
}

// Verify derives a deterministic payment id from the proof payload and applies
// the same single-use rule as the real facilitator.
func (m *MockFacilitator) Verify(_ context.Context, proof *PaymentProof, _ *PaymentRequirement) (*PaymentVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.Unavailable {
		return nil, NewError(ErrCodeFacilitatorUnavailable, "mock facilitator unavailable", nil)
	}
	if err := proof.ValidateShape(); err != nil {
		return &PaymentVerdict{Verified: false, Reason: err.Error()}, nil
	}
	if m.Deny {
		reason := m.Reason
		if reason == "" {
			reason = "payment denied"
		}
		return &PaymentVerdict{Verified: false, Reason: reason}, nil
	}

	paymentID, err := ProofDigest(proof)
	if err != nil {
		return &PaymentVerdict{Verified: false, Reason: err.Error()}, nil
	}
	if m.consumed == nil {
		m.consumed = make(map[string]bool)
	}
	if m.consumed[paymentID] {
		return &PaymentVerdict{Verified: false, PaymentID: paymentID, Reason: "payment already consumed"}, nil
	}
	m.consumed[paymentID] = true

	payer, _ := proof.Payload["payer"].(string)
	return &PaymentVerdict{Verified: true, PaymentID: paymentID, Payer: payer}, nil
}

// Calls reports how many times Verify ran. Test helper.
func (m *MockFacilitator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
