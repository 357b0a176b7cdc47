// Package evm provides a private-key Signer for the EVM payment rail.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	railevm "github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/evm"
)

// KeySigner implements railevm.Signer using a raw ECDSA private key. It
// suits tests and agent wallets that hold their own key; production payers
// would wrap an external signer behind the same interface. Hyperliquid Core
// actions are signed with the same key type, so one KeySigner serves both
// rails.
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewKeySigner creates a signer from a hex-encoded private key, with or
// without a 0x prefix.
//
// Example:
//
//	signer, err := evm.NewKeySigner(os.Getenv("EVM_PRIVATE_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.Register("eip155:84532", railevm.NewExactProofBuilder(signer))
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &KeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the key.
func (s *KeySigner) Address() string {
	return s.address.Hex()
}

// SignTypedData signs EIP-712 typed data and returns the 65-byte (r, s, v)
// signature with the Ethereum 27/28 recovery id convention.
func (s *KeySigner) SignTypedData(
	_ context.Context,
	domain railevm.TypedDataDomain,
	types map[string][]railevm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := railevm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Recovery id 0/1 becomes 27/28.
	signature[64] += 27

	return signature, nil
}
