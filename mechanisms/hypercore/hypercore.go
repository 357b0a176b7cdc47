// Package hypercore provides the Hyperliquid Core payment rail for the claim
// registry. It implements the exact payment scheme using spot sendAsset
// transfers: the payer signs the action as EIP-712 typed data against
// Hyperliquid's fixed signing domain, and the verifier recovers the payer
// from that signature without calling the exchange. The action names no
// sender, so the recovered address is the payer identity itself; the
// signature doubles as the payment id, which keeps proofs single-use.
package hypercore

import (
	"fmt"
	"strings"
	"time"
)

const (
	// SchemeExact is the scheme identifier for exact sendAsset payments.
	SchemeExact = "exact"

	// DefaultDecimals is the decimal count of the default USDH asset.
	DefaultDecimals = 8

	// MaxNonceAge bounds how far in the past an action nonce may lie.
	// Nonces are millisecond timestamps chosen by the payer.
	MaxNonceAge = time.Hour
)

// Rail identifiers for the supported Hyperliquid chains.
const (
	RailMainnet = "hypercore:mainnet"
	RailTestnet = "hypercore:testnet"
)

// RailConfigs maps hypercore rail identifiers to their chain configuration.
// Chain is the hyperliquidChain value carried inside signed actions.
var RailConfigs = map[string]RailConfig{
	RailMainnet: {
		Chain: "Mainnet",
		DefaultAsset: AssetInfo{
			Token:    "USDH:0x54e00a5988577cb0b0c9ab0cb6ef7f4b",
			Name:     "USDH",
			Decimals: DefaultDecimals,
		},
	},
	RailTestnet: {
		Chain: "Testnet",
		DefaultAsset: AssetInfo{
			Token:    "USDH:0x471fd4480bb9943a1fe080ab0d4ff36c",
			Name:     "USDH",
			Decimals: DefaultDecimals,
		},
	},
}

// IsValidRail reports whether a hypercore rail identifier has a configuration.
func IsValidRail(rail string) bool {
	_, ok := RailConfigs[rail]
	return ok
}

// GetRailConfig returns the configuration for a hypercore rail identifier.
func GetRailConfig(rail string) (*RailConfig, error) {
	if config, ok := RailConfigs[rail]; ok {
		return &config, nil
	}
	return nil, fmt.Errorf("no configuration for rail: %s", rail)
}

// GetAssetInfo returns information about a spot asset on a rail. If token is
// empty, the rail's default asset is used. Tokens follow Hyperliquid's
// "SYMBOL:0x…" form; one the rail does not know is accepted and assumed to
// carry the default decimal count.
func GetAssetInfo(rail string, token string) (*AssetInfo, error) {
	config, err := GetRailConfig(rail)
	if err != nil {
		return nil, err
	}

	if token == "" || token == config.DefaultAsset.Token {
		return &config.DefaultAsset, nil
	}

	symbol, id, ok := strings.Cut(token, ":")
	if !ok || symbol == "" || !strings.HasPrefix(id, "0x") {
		return nil, fmt.Errorf("invalid token identifier: %s", token)
	}

	return &AssetInfo{
		Token:    token,
		Name:     symbol,
		Decimals: DefaultDecimals,
	}, nil
}

// SupportedRails returns the identifiers of all configured rails.
func SupportedRails() []string {
	rails := make([]string, 0, len(RailConfigs))
	for rail := range RailConfigs {
		rails = append(rails, rail)
	}
	return rails
}
