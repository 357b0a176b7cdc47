package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// ExactProofBuilder builds exact-scheme payment proofs for EVM rails. It
// holds a Signer for the payer's key material and never sees the key itself.
type ExactProofBuilder struct {
	signer Signer
}

// NewExactProofBuilder creates a proof builder around a signer.
func NewExactProofBuilder(signer Signer) *ExactProofBuilder {
	return &ExactProofBuilder{signer: signer}
}

// Scheme returns the scheme identifier.
func (b *ExactProofBuilder) Scheme() string {
	return SchemeExact
}

// BuildProof constructs a signed EIP-3009 authorization paying the
// requirement's amount to its receiving address, wrapped as a payment proof.
func (b *ExactProofBuilder) BuildProof(ctx context.Context, requirement *bazaar.PaymentRequirement) (*bazaar.PaymentProof, error) {
	if requirement == nil {
		return nil, fmt.Errorf("payment requirement is required")
	}

	railStr := string(requirement.Rail)
	config, err := GetRailConfig(railStr)
	if err != nil {
		return nil, err
	}

	assetInfo, err := GetAssetInfo(railStr, requirement.Asset)
	if err != nil {
		return nil, err
	}

	if !IsValidAddress(requirement.PayTo) {
		return nil, fmt.Errorf("invalid payTo address: %s", requirement.PayTo)
	}

	// Requirement amounts are already in the asset's smallest unit.
	value, ok := new(big.Int).SetString(requirement.Amount, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount: %s", requirement.Amount)
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	lifetime := time.Duration(DefaultValidityPeriod) * time.Second
	if requirement.MaxTimeoutSeconds > 0 {
		lifetime = time.Duration(requirement.MaxTimeoutSeconds) * time.Second
	}
	validAfter, validBefore := ValidityWindow(lifetime)

	tokenName, tokenVersion := tokenDomainParams(requirement, assetInfo)

	authorization := TransferAuthorization{
		From:        b.signer.Address(),
		To:          NormalizeAddress(requirement.PayTo),
		Value:       value.String(),
		ValidAfter:  validAfter.String(),
		ValidBefore: validBefore.String(),
		Nonce:       nonce,
	}

	signature, err := b.signAuthorization(ctx, authorization, config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	payload := &ExactPayload{
		Signature:     BytesToHex(signature),
		Authorization: authorization,
	}

	return &bazaar.PaymentProof{
		Version: bazaar.ProtocolVersion,
		Rail:    requirement.Rail,
		Scheme:  SchemeExact,
		Payload: payload.ToMap(),
	}, nil
}

// signAuthorization signs the EIP-3009 authorization using EIP-712.
func (b *ExactProofBuilder) signAuthorization(
	ctx context.Context,
	authorization TransferAuthorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}

	value, _ := new(big.Int).SetString(authorization.Value, 10)
	validAfter, _ := new(big.Int).SetString(authorization.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(authorization.ValidBefore, 10)
	nonceBytes, err := HexToBytes(authorization.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	message := map[string]interface{}{
		"from":        authorization.From,
		"to":          authorization.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}

	return b.signer.SignTypedData(ctx, domain, transferAuthorizationTypes, "TransferWithAuthorization", message)
}

// tokenDomainParams resolves the EIP-712 domain name and version for the
// asset. The requirement's extra fields win over the rail's defaults so a
// challenge can name assets the rail config does not know.
func tokenDomainParams(requirement *bazaar.PaymentRequirement, assetInfo *AssetInfo) (name, version string) {
	name = assetInfo.Name
	version = assetInfo.Version
	if requirement.Extra != nil {
		if n, ok := requirement.Extra["name"].(string); ok {
			name = n
		}
		if v, ok := requirement.Extra["version"].(string); ok {
			version = v
		}
	}
	return name, version
}
