package bazaar

import (
	"encoding/json"
	"testing"
)

func TestRailParse(t *testing.T) {
	namespace, reference, err := Rail("eip155:84532").Parse()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if namespace != "eip155" || reference != "84532" {
		t.Fatalf("Expected eip155/84532, got %s/%s", namespace, reference)
	}

	if _, _, err := Rail("base-sepolia").Parse(); err == nil {
		t.Fatal("Expected error for a non CAIP-2 rail")
	}
}

func TestRailMatch(t *testing.T) {
	if !Rail("eip155:84532").Match("eip155:84532") {
		t.Fatal("Expected exact match")
	}
	if !Rail("eip155:84532").Match("eip155:*") {
		t.Fatal("Expected wildcard pattern match")
	}
	if !Rail("eip155:*").Match("eip155:84532") {
		t.Fatal("Expected reverse wildcard match")
	}
	if Rail("solana:devnet").Match("eip155:*") {
		t.Fatal("Expected no cross-namespace match")
	}
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := &ClaimSubmission{
		SubjectID: "did:agent:alpha",
		ClaimType: ClaimTypeIdentity,
		Payload:   json.RawMessage(`{"name":"agent-007","model":"test"}`),
	}
	b := &ClaimSubmission{
		SubjectID: "did:agent:alpha",
		ClaimType: ClaimTypeIdentity,
		Payload:   json.RawMessage(`{"model":"test","name":"agent-007"}`),
	}

	fpA, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	fpB, err := b.Fingerprint()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if fpA != fpB {
		t.Fatal("Expected identical fingerprints for reordered keys")
	}

	c := &ClaimSubmission{
		SubjectID: "did:agent:alpha",
		ClaimType: ClaimTypeIdentity,
		Payload:   json.RawMessage(`{"model":"test","name":"agent-008"}`),
	}
	fpC, err := c.Fingerprint()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if fpA == fpC {
		t.Fatal("Expected different fingerprints for different payloads")
	}
}

func TestFingerprintRejectsInvalidJSON(t *testing.T) {
	sub := &ClaimSubmission{
		SubjectID: "did:agent:alpha",
		ClaimType: ClaimTypeIdentity,
		Payload:   json.RawMessage(`{"name":`),
	}
	if _, err := sub.Fingerprint(); err == nil {
		t.Fatal("Expected error for truncated JSON")
	}
}

func TestSubmissionValidate(t *testing.T) {
	valid := testSubmission("did:agent:alpha")
	if err := valid.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	missing := testSubmission("")
	if err := missing.Validate(); !IsCode(err, ErrCodeInvalidSubmission) {
		t.Fatalf("Expected invalid_submission for missing subject, got %v", err)
	}

	noType := testSubmission("did:agent:alpha")
	noType.ClaimType = ""
	if err := noType.Validate(); !IsCode(err, ErrCodeInvalidSubmission) {
		t.Fatalf("Expected invalid_submission for missing claim type, got %v", err)
	}

	noPayload := testSubmission("did:agent:alpha")
	noPayload.Payload = nil
	if err := noPayload.Validate(); !IsCode(err, ErrCodeInvalidSubmission) {
		t.Fatalf("Expected invalid_submission for missing payload, got %v", err)
	}

	badJSON := testSubmission("did:agent:alpha")
	badJSON.Payload = json.RawMessage(`{"name"`)
	if err := badJSON.Validate(); !IsCode(err, ErrCodeInvalidSubmission) {
		t.Fatalf("Expected invalid_submission for invalid JSON, got %v", err)
	}
}

func TestClaimRecordMatches(t *testing.T) {
	sub := testSubmission("did:agent:alpha")
	fp, err := sub.Fingerprint()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	record := &ClaimRecord{
		SubjectID:   sub.SubjectID,
		ClaimType:   sub.ClaimType,
		Fingerprint: fp,
	}

	if !record.Matches(sub) {
		t.Fatal("Expected record to match its own submission")
	}

	changed := testSubmission("did:agent:alpha")
	changed.Payload = json.RawMessage(`{"model":"test-agent","name":"other"}`)
	if record.Matches(changed) {
		t.Fatal("Expected mismatch for a different payload")
	}

	retyped := testSubmission("did:agent:alpha")
	retyped.ClaimType = ClaimTypeGenesis
	if record.Matches(retyped) {
		t.Fatal("Expected mismatch for a different claim type")
	}
}

func TestClaimRecordClone(t *testing.T) {
	record := &ClaimRecord{
		SubjectID: "did:agent:alpha",
		Payload:   json.RawMessage(`{"a":1}`),
		Status:    StatusPending,
	}

	clone := record.Clone()
	clone.Status = StatusRegistered
	clone.Payload[1] = 'X'

	if record.Status != StatusPending {
		t.Fatal("Expected clone mutation to not affect the original status")
	}
	if string(record.Payload) != `{"a":1}` {
		t.Fatal("Expected clone mutation to not affect the original payload")
	}
}

func TestChallengeBase64RoundTrip(t *testing.T) {
	challenge := testChallenge()

	encoded, err := challenge.EncodeToBase64String()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	decoded, err := DecodeChallengeFromBase64(encoded)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decoded.Version != challenge.Version {
		t.Fatal("Expected version to survive the round trip")
	}
	if len(decoded.Accepts) != 1 || decoded.Accepts[0].Rail != challenge.Accepts[0].Rail {
		t.Fatal("Expected accepts to survive the round trip")
	}
}

func TestProofBase64RoundTrip(t *testing.T) {
	proof := testProof()

	encoded, err := proof.EncodeToBase64String()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	decoded, err := DecodeProofFromBase64(encoded)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decoded.Rail != proof.Rail || decoded.Scheme != proof.Scheme {
		t.Fatal("Expected rail and scheme to survive the round trip")
	}
	if decoded.Payload["payer"] != "0xpayer" {
		t.Fatal("Expected payload to survive the round trip")
	}
}

func TestDecodeProofMalformed(t *testing.T) {
	if _, err := DecodeProofFromBase64(""); !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected malformed_proof for empty input, got %v", err)
	}
	if _, err := DecodeProofFromBase64("not base64!!!"); !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected malformed_proof for invalid base64, got %v", err)
	}
	if _, err := DecodeProofFromBase64("bm90IGpzb24="); !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected malformed_proof for non-JSON content, got %v", err)
	}
}

func TestProofValidateShape(t *testing.T) {
	if err := testProof().ValidateShape(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	noRail := testProof()
	noRail.Rail = ""
	if err := noRail.ValidateShape(); !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected malformed_proof, got %v", err)
	}

	badRail := testProof()
	badRail.Rail = "base-sepolia"
	if err := badRail.ValidateShape(); !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected malformed_proof for a non CAIP-2 rail, got %v", err)
	}

	noScheme := testProof()
	noScheme.Scheme = ""
	if err := noScheme.ValidateShape(); !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected malformed_proof, got %v", err)
	}

	noPayload := testProof()
	noPayload.Payload = nil
	if err := noPayload.ValidateShape(); !IsCode(err, ErrCodeMalformedProof) {
		t.Fatalf("Expected malformed_proof, got %v", err)
	}
}

func TestErrorCodes(t *testing.T) {
	err := NewError(ErrCodePaymentRejected, "insufficient amount", map[string]interface{}{"expected": "10000"})

	if CodeOf(err) != ErrCodePaymentRejected {
		t.Fatalf("Expected payment_rejected, got %s", CodeOf(err))
	}
	if !IsCode(err, ErrCodePaymentRejected) {
		t.Fatal("Expected IsCode to match")
	}
	if IsCode(err, ErrCodeClaimConflict) {
		t.Fatal("Expected IsCode to reject other codes")
	}
	if Retryable(err) {
		t.Fatal("Expected payment_rejected to not be retryable")
	}
	if !Retryable(NewError(ErrCodeFacilitatorUnavailable, "down", nil)) {
		t.Fatal("Expected facilitator_unavailable to be retryable")
	}
	if !Retryable(NewError(ErrCodeSubmissionInProgress, "racing", nil)) {
		t.Fatal("Expected submission_in_progress to be retryable")
	}
}
