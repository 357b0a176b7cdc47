package http

import (
	"regexp"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// ValidateAndDecodePaymentHeader validates and decodes a payment header
// string into a payment proof. It checks the base64 format, the JSON
// structure, and the proof's structural requirements. Every failure is a
// malformed-proof error, which server transports answer with a fresh
// challenge rather than a hard failure.
func ValidateAndDecodePaymentHeader(paymentHeader string) (*bazaar.PaymentProof, error) {
	if paymentHeader == "" {
		return nil, bazaar.NewError(bazaar.ErrCodeMalformedProof, "payment header is empty", nil)
	}

	if !base64Regex.MatchString(paymentHeader) {
		return nil, bazaar.NewError(bazaar.ErrCodeMalformedProof, "payment header is not valid base64", nil)
	}

	proof, err := bazaar.DecodeProofFromBase64(paymentHeader)
	if err != nil {
		return nil, err
	}

	if proof.Version != bazaar.ProtocolVersion {
		return nil, bazaar.NewError(bazaar.ErrCodeMalformedProof,
			"unsupported proof version",
			map[string]interface{}{"version": proof.Version})
	}

	if err := proof.ValidateShape(); err != nil {
		return nil, err
	}

	return proof, nil
}
