// Package http carries the claim protocol over HTTP. It holds the retry
// client that drives probe, challenge, pay and resubmit from the agent side,
// together with the header and body conventions the server transports share.
package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// ============================================================================
// Wire Conventions
// ============================================================================

const (
	// HeaderPayment carries the base64 JSON payment proof on a submission.
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries the base64 JSON settle receipt returned
	// alongside a freshly registered claim.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// StatusForError maps a registry error to its transport status code. The
// payment challenge itself is written by the transport adapters and is not
// an error; everything the negotiator returns as an error lands here.
func StatusForError(err error) int {
	if errors.Is(err, bazaar.ErrNotFound) {
		return http.StatusNotFound
	}
	switch bazaar.CodeOf(err) {
	case bazaar.ErrCodeInvalidSubmission:
		return http.StatusBadRequest
	case bazaar.ErrCodeMalformedProof, bazaar.ErrCodePaymentRejected:
		return http.StatusPaymentRequired
	case bazaar.ErrCodeSubmissionInProgress, bazaar.ErrCodeClaimConflict:
		return http.StatusConflict
	case bazaar.ErrCodeFacilitatorUnavailable,
		bazaar.ErrCodeContentStoreFailure,
		bazaar.ErrCodeLedgerBroadcastFailure:
		return http.StatusServiceUnavailable
	case bazaar.ErrCodeClaimNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody builds the wire body for a failed negotiation. A typed registry
// error contributes its code and detail; the record, when present, is the
// retained failed state so callers can diagnose without a second lookup.
func ErrorBody(err error, record *bazaar.ClaimRecord) map[string]interface{} {
	body := map[string]interface{}{
		"version": bazaar.ProtocolVersion,
		"error":   err.Error(),
	}

	var typed *bazaar.Error
	if errors.As(err, &typed) {
		body["error"] = typed.Message
		body["code"] = typed.Code
		if len(typed.Detail) > 0 {
			body["detail"] = typed.Detail
		}
	} else if errors.Is(err, bazaar.ErrNotFound) {
		body["code"] = bazaar.ErrCodeClaimNotFound
	}

	if record != nil {
		body["record"] = record
	}
	return body
}

// PaymentRequiredBody builds the wire body for a rejected payment. The
// configured payment options ride along so a caller holding another wallet
// can pay on a different rail.
func PaymentRequiredBody(err error, accepts []bazaar.PaymentRequirement) map[string]interface{} {
	body := ErrorBody(err, nil)
	body["accepts"] = accepts
	return body
}

// ============================================================================
// Header Encoding/Decoding
// ============================================================================

// AttachProof encodes the proof into the request's payment header.
func AttachProof(req *http.Request, proof *bazaar.PaymentProof) error {
	encoded, err := proof.EncodeToBase64String()
	if err != nil {
		return err
	}
	req.Header.Set(HeaderPayment, encoded)
	return nil
}

// DecodeChallengeResponse parses the payment challenge out of a
// payment-required response body. The body is restored afterwards so the
// response stays readable when the challenge cannot be answered.
func DecodeChallengeResponse(resp *http.Response) (*bazaar.PaymentChallenge, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("read challenge body: %w", err)
	}

	var challenge bazaar.PaymentChallenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("parse challenge body: %w", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, fmt.Errorf("challenge carries no payment options")
	}
	return &challenge, nil
}

// DecodeReceipt parses the settle receipt header, when present. A response
// without the header is not an error; it means no fresh payment was taken.
func DecodeReceipt(resp *http.Response) (*bazaar.PaymentReceipt, error) {
	encoded := resp.Header.Get(HeaderPaymentResponse)
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode receipt header: %w", err)
	}
	var receipt bazaar.PaymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal receipt header: %w", err)
	}
	return &receipt, nil
}
