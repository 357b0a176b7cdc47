package hypercore

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/evm"
)

// ExactProofBuilder builds exact-scheme payment proofs for Hyperliquid Core
// rails. Hyperliquid actions are signed with an ordinary Ethereum key, so the
// builder takes the EVM rail's Signer.
type ExactProofBuilder struct {
	signer evm.Signer
}

// NewExactProofBuilder creates a proof builder around a signer.
func NewExactProofBuilder(signer evm.Signer) *ExactProofBuilder {
	return &ExactProofBuilder{signer: signer}
}

// Scheme returns the scheme identifier.
func (b *ExactProofBuilder) Scheme() string {
	return SchemeExact
}

// BuildProof constructs a signed sendAsset action paying the requirement's
// amount to its receiving address, wrapped as a payment proof.
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

	if !evm.IsValidAddress(requirement.PayTo) {
		return nil, fmt.Errorf("invalid payTo address: %s", requirement.PayTo)
	}

	// Requirement amounts are in the asset's smallest unit; the action wants
	// display units. Hypercore addresses travel lowercase.
	value, ok := new(big.Int).SetString(requirement.Amount, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount: %s", requirement.Amount)
	}

	action := SendAssetAction{
		Type:             ActionTypeSendAsset,
		HyperliquidChain: config.Chain,
		SignatureChainID: signatureChainIDHex,
		Destination:      strings.ToLower(evm.NormalizeAddress(requirement.PayTo)),
		SourceDex:        SpotDex,
		DestinationDex:   SpotDex,
		Token:            assetInfo.Token,
		Amount:           evm.FormatAmount(value, assetInfo.Decimals),
		FromSubAccount:   "",
		Nonce:            time.Now().UnixMilli(),
	}

	signature, err := b.signer.SignTypedData(ctx, signingDomain(), sendAssetTypes, primaryTypeSendAsset, actionMessage(action))
	if err != nil {
		return nil, fmt.Errorf("failed to sign action: %w", err)
	}

	payload := &ExactPayload{
		Signature: evm.BytesToHex(signature),
		Action:    action,
	}

	return &bazaar.PaymentProof{
		Version: bazaar.ProtocolVersion,
		Rail:    requirement.Rail,
		Scheme:  SchemeExact,
		Payload: payload.ToMap(),
	}, nil
}
