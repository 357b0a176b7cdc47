package hypercore

import (
	"fmt"
	"math/big"

	"github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/evm"
)

// Hyperliquid pins one EIP-712 signing domain for every action regardless of
// rail: chain id 999 with no verifying contract. The action's
// signatureChainId field carries the same id in hex.
const (
	signingDomainName    = "HyperliquidSignTransaction"
	signingDomainVersion = "1"
	primaryTypeSendAsset = "HyperliquidTransaction:SendAsset"
	signatureChainIDHex  = "0x3e7"
)

var signingChainID = big.NewInt(999)

// sendAssetTypes are the EIP-712 types for a spot sendAsset action. Field
// order must match Hyperliquid's signing scheme.
var sendAssetTypes = map[string][]evm.TypedDataField{
	primaryTypeSendAsset: {
		{Name: "hyperliquidChain", Type: "string"},
		{Name: "destination", Type: "string"},
		{Name: "sourceDex", Type: "string"},
		{Name: "destinationDex", Type: "string"},
		{Name: "token", Type: "string"},
		{Name: "amount", Type: "string"},
		{Name: "fromSubAccount", Type: "string"},
		{Name: "nonce", Type: "uint64"},
	},
}

func signingDomain() evm.TypedDataDomain {
	return evm.TypedDataDomain{
		Name:              signingDomainName,
		Version:           signingDomainVersion,
		ChainID:           signingChainID,
		VerifyingContract: "0x0000000000000000000000000000000000000000",
	}
}

// HashSendAsset hashes a sendAsset action for signing or recovery.
func HashSendAsset(action SendAssetAction) ([]byte, error) {
	digest, err := evm.HashTypedData(signingDomain(), sendAssetTypes, primaryTypeSendAsset, actionMessage(action))
	if err != nil {
		return nil, fmt.Errorf("failed to hash action: %w", err)
	}
	return digest, nil
}

// actionMessage renders the action as an EIP-712 message. The nonce travels
// as a decimal string; the typed-data encoder rejects plain Go integers.
func actionMessage(action SendAssetAction) map[string]interface{} {
	return map[string]interface{}{
		"hyperliquidChain": action.HyperliquidChain,
		"destination":      action.Destination,
		"sourceDex":        action.SourceDex,
		"destinationDex":   action.DestinationDex,
		"token":            action.Token,
		"amount":           action.Amount,
		"fromSubAccount":   action.FromSubAccount,
		"nonce":            fmt.Sprintf("%d", action.Nonce),
	}
}
