// Package evm provides the EVM payment rail for the claim registry.
// It implements the exact payment scheme using EIP-3009
// TransferWithAuthorization: the client signs an EIP-712 authorization
// moving the registration fee to the registry's receiving address, and the
// verifier recovers the signer from that authorization without touching the
// chain. The authorization nonce doubles as the payment id, which keeps
// proofs single-use.
package evm

import (
	"fmt"
	"math/big"
)

const (
	// SchemeExact is the scheme identifier for EIP-3009 exact payments.
	SchemeExact = "exact"

	// DefaultDecimals is the decimal count of the default stablecoin assets.
	DefaultDecimals = 6

	// DefaultValidityPeriod bounds an authorization's lifetime (seconds)
	// when the requirement does not carry its own timeout.
	DefaultValidityPeriod = 3600
)

var (
	// Chain ids for the supported rails.
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// RailConfigs maps CAIP-2 rail identifiers to their chain configuration.
	//
	// Default Asset Selection Policy:
	// - Each chain has the right to determine its own default stablecoin
	// - If the chain has officially endorsed a stablecoin, that asset should be used
	//
	// NOTE: Only EIP-3009 supporting stablecoins can be used as defaults.
	RailConfigs = map[string]RailConfig{
		// Base Mainnet
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		// Base Sepolia Testnet
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}
)

// IsValidRail reports whether a CAIP-2 rail identifier has a configuration.
func IsValidRail(rail string) bool {
	_, ok := RailConfigs[rail]
	return ok
}

// GetRailConfig returns the configuration for a CAIP-2 rail identifier.
func GetRailConfig(rail string) (*RailConfig, error) {
	if config, ok := RailConfigs[rail]; ok {
		return &config, nil
	}
	return nil, fmt.Errorf("no configuration for rail: %s", rail)
}

// GetChainID returns the chain id for a CAIP-2 rail identifier.
func GetChainID(rail string) (*big.Int, error) {
	config, err := GetRailConfig(rail)
	if err != nil {
		return nil, err
	}
	return config.ChainID, nil
}

// GetAssetInfo returns information about an asset on a rail.
// If assetAddress is empty, the rail's default asset is used. An address the
// rail does not know is still accepted; EIP-712 domain parameters for it then
// come from the requirement's extra fields.
func GetAssetInfo(rail string, assetAddress string) (*AssetInfo, error) {
	config, err := GetRailConfig(rail)
	if err != nil {
		return nil, err
	}

	if assetAddress == "" {
		return &config.DefaultAsset, nil
	}

	if !IsValidAddress(assetAddress) {
		return nil, fmt.Errorf("invalid asset address: %s", assetAddress)
	}

	if NormalizeAddress(assetAddress) == NormalizeAddress(config.DefaultAsset.Address) {
		return &config.DefaultAsset, nil
	}

	return &AssetInfo{
		Address:  NormalizeAddress(assetAddress),
		Name:     "Unknown Token",
		Version:  "1",
		Decimals: DefaultDecimals,
	}, nil
}

// SupportedRails returns the CAIP-2 identifiers of all configured rails.
func SupportedRails() []string {
	rails := make([]string, 0, len(RailConfigs))
	for rail := range RailConfigs {
		rails = append(rails, rail)
	}
	return rails
}
