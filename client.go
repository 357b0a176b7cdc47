package bazaar

import (
	"context"
	"fmt"
	"sync"
)

// ProofClient manages rail mechanisms and builds payment proofs from
// challenges. This is used by applications that need to pay for claim
// registration (have wallets/signers).
type ProofClient struct {
	mu sync.RWMutex

	// Nested map: rail pattern -> scheme -> builder implementation
	builders map[Rail]map[string]ProofBuilder

	// Function to select a requirement when a challenge offers several
	selector RequirementSelector
}

// RequirementSelector chooses which advertised payment option to use.
type RequirementSelector func(requirements []PaymentRequirement) *PaymentRequirement

// ProofClientOption configures the proof client.
type ProofClientOption func(*ProofClient)

// WithRequirementSelector sets a custom requirement selector.
func WithRequirementSelector(selector RequirementSelector) ProofClientOption {
	return func(c *ProofClient) {
		c.selector = selector
	}
}

// WithRail registers a rail mechanism at creation time.
func WithRail(rail Rail, builder ProofBuilder) ProofClientOption {
	return func(c *ProofClient) {
		c.register(rail, builder)
	}
}

// NewProofClient creates a new proof client.
func NewProofClient(opts ...ProofClientOption) *ProofClient {
	c := &ProofClient{
		builders: make(map[Rail]map[string]ProofBuilder),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register adds a rail mechanism for a rail pattern.
func (c *ProofClient) Register(rail Rail, builder ProofBuilder) *ProofClient {
	c.register(rail, builder)
	return c
}

func (c *ProofClient) register(rail Rail, builder ProofBuilder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.builders[rail] == nil {
		c.builders[rail] = make(map[string]ProofBuilder)
	}
	c.builders[rail][builder.Scheme()] = builder
}

// SelectRequirement picks the challenge requirement to pay. The custom
// selector wins when set; otherwise the first requirement with a registered
// builder is used.
func (c *ProofClient) SelectRequirement(challenge *PaymentChallenge) (*PaymentRequirement, error) {
	if challenge == nil || len(challenge.Accepts) == 0 {
		return nil, fmt.Errorf("challenge offers no payment requirements")
	}

	if c.selector != nil {
		if req := c.selector(challenge.Accepts); req != nil {
			return req, nil
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range challenge.Accepts {
		req := &challenge.Accepts[i]
		if _, ok := findByRailAndScheme(c.builders, req.Rail, req.Scheme); ok {
			return req, nil
		}
	}
	return nil, fmt.Errorf("no registered rail can satisfy the challenge")
}

// BuildProof selects a requirement from the challenge and asks the matching
// rail mechanism to construct a signed proof for it. Returns the proof and
// the requirement it satisfies.
func (c *ProofClient) BuildProof(ctx context.Context, challenge *PaymentChallenge) (*PaymentProof, *PaymentRequirement, error) {
	req, err := c.SelectRequirement(challenge)
	if err != nil {
		return nil, nil, err
	}

	c.mu.RLock()
	builder, ok := findByRailAndScheme(c.builders, req.Rail, req.Scheme)
	c.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no builder registered for %s/%s", req.Rail, req.Scheme)
	}

	proof, err := builder.BuildProof(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("build proof for %s/%s: %w", req.Rail, req.Scheme, err)
	}
	if err := proof.ValidateShape(); err != nil {
		return nil, nil, fmt.Errorf("builder produced malformed proof: %w", err)
	}
	return proof, req, nil
}
