package evm

import (
	"context"
	"fmt"
	"math/big"
)

// TransferAuthorization is the EIP-3009 TransferWithAuthorization message the
// payer signs. All numeric fields travel as decimal strings; the nonce is a
// 32-byte hex string.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the rail-specific payload carried inside a payment proof
// for the exact scheme.
type ExactPayload struct {
	Signature     string                `json:"signature"`
	Authorization TransferAuthorization `json:"authorization"`
}

// ToMap converts the payload to the generic map shape proofs carry on the wire.
func (p *ExactPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
}

// ExactPayloadFromMap parses the generic proof payload map into an
// ExactPayload. Returns an error when required fields are missing or not
// strings; signature absence is reported by the caller, not here.
func ExactPayloadFromMap(data map[string]interface{}) (*ExactPayload, error) {
	payload := &ExactPayload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}

	fields := map[string]*string{
		"from":        &payload.Authorization.From,
		"to":          &payload.Authorization.To,
		"value":       &payload.Authorization.Value,
		"validAfter":  &payload.Authorization.ValidAfter,
		"validBefore": &payload.Authorization.ValidBefore,
		"nonce":       &payload.Authorization.Nonce,
	}
	for name, target := range fields {
		value, ok := auth[name].(string)
		if !ok {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", name)
		}
		*target = value
	}

	return payload, nil
}

// Signer signs EIP-712 typed data on behalf of a payer.
type Signer interface {
	// Address returns the signer's Ethereum address.
	Address() string

	// SignTypedData signs EIP-712 typed data and returns the 65-byte
	// (r, s, v) signature.
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField is one field of an EIP-712 type definition.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// AssetInfo describes an ERC-20 token used for payment.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// RailConfig is the per-chain configuration for an EVM rail.
type RailConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}
