package evm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HexToBytes decodes a hex string with or without a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a 0x-prefixed hex string.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// NewNonce returns a random 32-byte hex nonce for an EIP-3009 authorization.
// The nonce is the payment id: the token contract burns it on settlement and
// the facilitator burns it on verification.
func NewNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return BytesToHex(nonce), nil
}

// ValidityWindow returns the validAfter/validBefore pair for an authorization
// created now. validAfter carries no buffer, so the authorization is usable
// immediately.
func ValidityWindow(lifetime time.Duration) (validAfter, validBefore *big.Int) {
	now := time.Now().Unix()
	return big.NewInt(now), big.NewInt(now + int64(lifetime/time.Second))
}

// IsValidAddress reports whether s is a well-formed Ethereum address.
func IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress returns the EIP-55 checksummed form of an address.
func NormalizeAddress(s string) string {
	return common.HexToAddress(s).Hex()
}

// RecoverAddress recovers the Ethereum address that signed the given digest.
// Accepts both 0/1 and 27/28 recovery id conventions in the 65th byte.
func RecoverAddress(digest []byte, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("invalid signature length: %d", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// ParseAmount converts a decimal amount string to the token's smallest unit.
// Extra fractional digits beyond the token's decimals are truncated.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	parts := strings.Split(amount, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid amount format: %s", amount)
	}

	whole, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount format: %s", amount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	result := new(big.Int).Mul(whole, scale)

	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) > decimals {
			frac = frac[:decimals]
		}
		frac = frac + strings.Repeat("0", decimals-len(frac))
		fracValue, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount format: %s", amount)
		}
		result.Add(result, fracValue)
	}

	return result, nil
}

// FormatAmount renders a smallest-unit amount as a decimal string.
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil || amount.Sign() == 0 {
		return "0"
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(amount, scale, frac)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := frac.String()
	fracStr = strings.Repeat("0", decimals-len(fracStr)) + fracStr
	fracStr = strings.TrimRight(fracStr, "0")
	return whole.String() + "." + fracStr
}
