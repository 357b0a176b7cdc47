package bazaar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateRequirement performs basic validation on a payment requirement.
func ValidateRequirement(r *PaymentRequirement) error {
	if r == nil {
		return fmt.Errorf("payment requirement is required")
	}
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Rail == "" {
		return fmt.Errorf("payment rail is required")
	}
	if _, _, err := r.Rail.Parse(); err != nil {
		return err
	}
	if r.Amount == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}

// ProofDigest returns the SHA-256 hex digest of a proof's canonical JSON.
// The digest covers the rail payload, which includes the signature and nonce,
// so it is unique per payment attempt.
func ProofDigest(proof *PaymentProof) (string, error) {
	data, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("digest proof: %w", err)
	}
	canonical, err := canonicalJSON(data)
	if err != nil {
		return "", fmt.Errorf("digest proof: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// findByRailAndScheme finds a rail implementation for a given rail/scheme
// combination. This supports pattern matching for rails (e.g., "eip155:*").
func findByRailAndScheme[T any](railMap map[Rail]map[string]T, rail Rail, scheme string) (T, bool) {
	var zero T

	// Try exact match first
	if schemeMap, exists := railMap[rail]; exists {
		if impl, exists := schemeMap[scheme]; exists {
			return impl, true
		}
	}

	// Try pattern matching
	for registeredRail, schemeMap := range railMap {
		if rail.Match(registeredRail) || registeredRail.Match(rail) {
			if impl, exists := schemeMap[scheme]; exists {
				return impl, true
			}
		}
	}

	return zero, false
}

// SubmissionValidator validates claim submissions against per-claim-type JSON
// schemas. Types without a registered schema only get the structural checks.
type SubmissionValidator struct {
	mu         sync.RWMutex
	claimTypes map[string]bool
	schemas    map[string]*gojsonschema.Schema
}

// NewSubmissionValidator creates a validator accepting the given claim types.
// With no types given, the default set is used.
func NewSubmissionValidator(claimTypes ...string) *SubmissionValidator {
	if len(claimTypes) == 0 {
		claimTypes = []string{ClaimTypeGenesis, ClaimTypeIdentity, ClaimTypeAttestation}
	}
	types := make(map[string]bool, len(claimTypes))
	for _, ct := range claimTypes {
		types[ct] = true
	}
	return &SubmissionValidator{
		claimTypes: types,
		schemas:    make(map[string]*gojsonschema.Schema),
	}
}

// RegisterSchema compiles and registers a JSON schema for a claim type.
// Chainable; returns an error only for an uncompilable schema.
func (v *SubmissionValidator) RegisterSchema(claimType string, schemaJSON []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", claimType, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.claimTypes[claimType] = true
	v.schemas[claimType] = schema
	return nil
}

// Validate runs structural checks, the claim-type allowlist, and any
// registered schema against the submission payload.
func (v *SubmissionValidator) Validate(sub *ClaimSubmission) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	v.mu.RLock()
	allowed := v.claimTypes[sub.ClaimType]
	schema := v.schemas[sub.ClaimType]
	v.mu.RUnlock()

	if !allowed {
		return NewError(ErrCodeInvalidSubmission,
			"unknown claim type: "+sub.ClaimType, nil)
	}
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(sub.Payload))
	if err != nil {
		return NewError(ErrCodeInvalidSubmission, "payload validation failed: "+err.Error(), nil)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return NewError(ErrCodeInvalidSubmission,
			"payload does not match the "+sub.ClaimType+" schema",
			map[string]interface{}{"errors": strings.Join(reasons, "; ")})
	}
	return nil
}
