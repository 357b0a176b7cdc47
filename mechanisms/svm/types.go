package svm

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// Signer partially signs Solana transactions for the payer. Implementations
// hold the key material; the builder only needs the public key and a
// signature over the assembled transfer.
type Signer interface {
	// Address returns the payer's public key.
	Address() solana.PublicKey

	// SignTransaction adds the payer's signature to the transaction at the
	// payer's account index, leaving other slots untouched.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// AssetInfo describes an SPL token mint on a rail.
type AssetInfo struct {
	Mint     string
	Decimals uint8
}

// RailConfig holds per-cluster settings.
type RailConfig struct {
	RPCURL       string
	DefaultAsset AssetInfo
}

// ExactPayload is the exact-scheme proof payload: one base64-encoded,
// partially signed Solana transaction.
type ExactPayload struct {
	Transaction string `json:"transaction"`
}

// ToMap converts the payload to the wire shape carried inside a payment
// proof.
func (p *ExactPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"transaction": p.Transaction,
	}
}

// ExactPayloadFromMap parses the wire shape back into a payload.
func ExactPayloadFromMap(data map[string]interface{}) (*ExactPayload, error) {
	transaction, ok := data["transaction"].(string)
	if !ok || transaction == "" {
		return nil, fmt.Errorf("missing or invalid transaction field")
	}
	return &ExactPayload{Transaction: transaction}, nil
}

// EncodeTransaction serializes a transaction to its base64 wire form.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses the base64 wire form back into a transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return tx, nil
}
