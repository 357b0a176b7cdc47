package bazaar

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the wire version carried by challenges and proofs.
const ProtocolVersion = 1

// Rail identifies a payment rail in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:84532" for Base Sepolia)
type Rail string

// Parse splits the rail into namespace and reference components
func (r Rail) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(r), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid rail format: %s", r)
	}
	return parts[0], parts[1], nil
}

// Match checks if this rail matches a pattern (supports wildcards)
// e.g., "eip155:84532" matches "eip155:*" and "eip155:*" matches "eip155:84532"
func (r Rail) Match(pattern Rail) bool {
	if r == pattern {
		return true
	}

	rStr := string(r)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(rStr, prefix)
	}

	if strings.HasSuffix(rStr, ":*") {
		prefix := strings.TrimSuffix(rStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// ClaimStatus is the lifecycle state of a claim record.
type ClaimStatus string

const (
	// StatusPending marks a reserved slot: payment verified, registration in flight.
	StatusPending ClaimStatus = "pending"
	// StatusRegistered marks a confirmed registration. Permanent.
	StatusRegistered ClaimStatus = "registered"
	// StatusFailed marks a registration that died after payment verification.
	// A failed record does not consume the subject's idempotency slot.
	StatusFailed ClaimStatus = "failed"
)

// Common claim types accepted by the registry. The set is configurable on the
// Negotiator; these are the defaults.
const (
	ClaimTypeGenesis     = "genesis"
	ClaimTypeIdentity    = "identity"
	ClaimTypeAttestation = "attestation"
)

// ClaimSubmission is one identity claim a subject wants registered.
// Immutable once accepted: a later submission for the same subject with a
// different payload is a conflict, never a merge.
type ClaimSubmission struct {
	SubjectID string          `json:"subjectId"`
	ClaimType string          `json:"claimType"`
	Payload   json.RawMessage `json:"payload"`
}

// Fingerprint returns the canonical payload digest used for idempotent
// resubmission checks. The payload is normalized through JSON so that key
// order does not change the digest.
func (s *ClaimSubmission) Fingerprint() (string, error) {
	canonical, err := canonicalJSON(s.Payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Validate checks structural requirements common to every claim type.
func (s *ClaimSubmission) Validate() error {
	if s == nil {
		return NewError(ErrCodeInvalidSubmission, "submission is required", nil)
	}
	if strings.TrimSpace(s.SubjectID) == "" {
		return NewError(ErrCodeInvalidSubmission, "subjectId is required", nil)
	}
	if strings.TrimSpace(s.ClaimType) == "" {
		return NewError(ErrCodeInvalidSubmission, "claimType is required", nil)
	}
	if len(bytes.TrimSpace(s.Payload)) == 0 {
		return NewError(ErrCodeInvalidSubmission, "payload is required", nil)
	}
	if !json.Valid(s.Payload) {
		return NewError(ErrCodeInvalidSubmission, "payload is not valid JSON", nil)
	}
	return nil
}

// ClaimRecord is the durable, committed result of a submission.
// The claim ledger exclusively owns status transitions.
type ClaimRecord struct {
	SubjectID       string          `json:"subjectId"`
	ClaimID         string          `json:"claimId"`
	ClaimType       string          `json:"claimType"`
	Fingerprint     string          `json:"fingerprint"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ContentAddress  string          `json:"contentAddress,omitempty"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	PaymentID       string          `json:"paymentId,omitempty"`
	Status          ClaimStatus     `json:"status"`
	FailureCode     string          `json:"failureCode,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Matches reports whether a submission carries the same claim content as the
// record. Equality is by full payload fingerprint, never by claim id alone.
func (r *ClaimRecord) Matches(sub *ClaimSubmission) bool {
	if r == nil || sub == nil {
		return false
	}
	fp, err := sub.Fingerprint()
	if err != nil {
		return false
	}
	return r.Fingerprint == fp && r.ClaimType == sub.ClaimType
}

// Clone returns a deep copy so callers can't mutate ledger-owned state.
func (r *ClaimRecord) Clone() *ClaimRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage{}, r.Payload...)
	}
	return &cp
}

// PaymentRequirement describes one acceptable way to pay for a registration.
// A challenge advertises one requirement per configured rail.
type PaymentRequirement struct {
	Scheme            string                 `json:"scheme"`
	Rail              Rail                   `json:"rail"`
	Asset             string                 `json:"asset,omitempty"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentChallenge is the 402 price specification sent to unpaid clients.
// Issuing a challenge never mutates state, so it is safe to request repeatedly.
type PaymentChallenge struct {
	Version int                  `json:"version"`
	Error   string               `json:"error,omitempty"`
	Accepts []PaymentRequirement `json:"accepts"`
}

// EncodeToBase64String encodes the challenge for header transport.
func (c *PaymentChallenge) EncodeToBase64String() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeChallengeFromBase64 decodes a base64 JSON challenge.
func DecodeChallengeFromBase64(encoded string) (*PaymentChallenge, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	var challenge PaymentChallenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &challenge, nil
}

// PaymentProof is the client-presented evidence of payment. The payload is
// rail-specific: an EIP-3009 authorization plus signature on EVM rails, a
// serialized signed transaction on SVM rails. Proofs are single-use; a
// payment id consumed by verification never authorizes a second registration.
type PaymentProof struct {
	Version int                    `json:"version"`
	Rail    Rail                   `json:"rail"`
	Scheme  string                 `json:"scheme"`
	Payload map[string]interface{} `json:"payload"`
}

// ValidateShape checks the structural requirements of a proof. Rail-specific
// validation happens in the rail verifier.
func (p *PaymentProof) ValidateShape() error {
	if p == nil {
		return NewError(ErrCodeMalformedProof, "payment proof is required", nil)
	}
	if p.Rail == "" {
		return NewError(ErrCodeMalformedProof, "proof rail is required", nil)
	}
	if _, _, err := p.Rail.Parse(); err != nil {
		return NewError(ErrCodeMalformedProof, err.Error(), nil)
	}
	if p.Scheme == "" {
		return NewError(ErrCodeMalformedProof, "proof scheme is required", nil)
	}
	if len(p.Payload) == 0 {
		return NewError(ErrCodeMalformedProof, "proof payload is required", nil)
	}
	return nil
}

// EncodeToBase64String encodes the proof for the X-Payment header.
func (p *PaymentProof) EncodeToBase64String() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeProofFromBase64 decodes a base64 JSON payment proof. A decode failure
// is a malformed proof, which callers answer with a fresh challenge.
func DecodeProofFromBase64(encoded string) (*PaymentProof, error) {
	if encoded == "" {
		return nil, NewError(ErrCodeMalformedProof, "payment header is empty", nil)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewError(ErrCodeMalformedProof, "payment header is not valid base64", nil)
	}
	var proof PaymentProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, NewError(ErrCodeMalformedProof, "payment header is not valid JSON", nil)
	}
	return &proof, nil
}

// PaymentVerdict is the facilitator's answer for one proof. It is owned
// transiently by the negotiator and coordinator and is never persisted beyond
// the claim record it authorizes.
type PaymentVerdict struct {
	Verified  bool   `json:"verified"`
	PaymentID string `json:"paymentId,omitempty"`
	Payer     string `json:"payer,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PaymentReceipt is the settle summary returned in the X-Payment-Response
// header after a successful registration.
type PaymentReceipt struct {
	PaymentID string `json:"paymentId"`
	Payer     string `json:"payer,omitempty"`
	Rail      Rail   `json:"rail"`
}

// EncodeToBase64String encodes the receipt for header transport.
func (r *PaymentReceipt) EncodeToBase64String() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Registration is the payload handed to the ledger client for broadcast.
type Registration struct {
	SubjectID      string `json:"subjectId"`
	ClaimID        string `json:"claimId"`
	ClaimType      string `json:"claimType"`
	ContentAddress string `json:"contentAddress"`
}

// canonicalJSON normalizes raw JSON so that logically equal documents produce
// identical bytes. Objects marshal with sorted keys.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
