// Package svm provides a private-key Signer for the SVM payment rail.
package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// KeySigner implements railsvm.Signer using a raw ed25519 private key. It
// suits tests and agent wallets that hold their own key; production payers
// would wrap an external signer behind the same interface.
type KeySigner struct {
	privateKey solana.PrivateKey
}

// NewKeySigner creates a signer from a base58-encoded private key.
//
// Example:
//
//	signer, err := svm.NewKeySigner(os.Getenv("SVM_PRIVATE_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.Register("solana:*", railsvm.NewExactProofBuilder(signer))
func NewKeySigner(privateKeyBase58 string) (*KeySigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeySigner{privateKey: privateKey}, nil
}

// NewKeySignerFromWallet creates a signer around a generated wallet.
func NewKeySignerFromWallet(wallet *solana.Wallet) *KeySigner {
	return &KeySigner{privateKey: wallet.PrivateKey}
}

// Address returns the public key derived from the key.
func (s *KeySigner) Address() solana.PublicKey {
	return s.privateKey.PublicKey()
}

// SignTransaction signs the transaction's message and places the signature
// at the key's account index, growing the signature list if the slot does
// not exist yet. Other slots, the fee payer's included, stay untouched.
func (s *KeySigner) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := s.privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	index, err := tx.GetAccountIndex(s.privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}

	if len(tx.Signatures) <= int(index) {
		grown := make([]solana.Signature, index+1)
		copy(grown, tx.Signatures)
		tx.Signatures = grown
	}
	tx.Signatures[index] = signature

	return nil
}
