// Package svm provides the SVM payment rail. Exact-scheme proofs carry a
// partially signed Solana transaction moving SPL tokens with a
// TransferChecked instruction: the payer signs as token owner and leaves the
// fee-payer slot empty for the operator, so a proof spends nothing until a
// settling facilitator co-signs and broadcasts it. The payer's transaction
// signature doubles as the payment id.
package svm

import (
	"fmt"
	"sort"

	solana "github.com/gagliardetto/solana-go"
)

const (
	// SchemeExact identifies the exact payment scheme.
	SchemeExact = "exact"

	// DefaultDecimals is assumed for mints whose metadata is not available
	// offline. USDC mints use 6.
	DefaultDecimals uint8 = 6

	// ComputeUnitLimit covers the canonical three-instruction transfer.
	ComputeUnitLimit uint32 = 6500

	// DefaultComputeUnitPrice is the priority fee in micro-lamports per
	// compute unit.
	DefaultComputeUnitPrice uint64 = 1000
)

// Rails are CAIP-2 identifiers: "solana:" followed by the first 32
// characters of the cluster's genesis hash.
const (
	RailSolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	RailSolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	RailSolanaTestnet = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

// Programs that may ride along in an exact transfer transaction besides the
// compute budget and token programs.
const (
	MemoProgramAddress       = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	LighthouseProgramAddress = "L2TExMFKdjpN9kozasaurPirfHy9P8sbXoAN1qA3S95"
)

// RailConfigs maps each supported rail to its cluster configuration.
var RailConfigs = map[string]RailConfig{
	RailSolanaMainnet: {
		RPCURL: "https://api.mainnet-beta.solana.com",
		DefaultAsset: AssetInfo{
			Mint:     "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Decimals: DefaultDecimals,
		},
	},
	RailSolanaDevnet: {
		RPCURL: "https://api.devnet.solana.com",
		DefaultAsset: AssetInfo{
			Mint:     "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Decimals: DefaultDecimals,
		},
	},
	// Testnet has no canonical USDC mint; challenges must name an asset.
	RailSolanaTestnet: {
		RPCURL: "https://api.testnet.solana.com",
	},
}

// IsValidRail reports whether the rail has a configuration.
func IsValidRail(rail string) bool {
	_, ok := RailConfigs[rail]
	return ok
}

// GetRailConfig returns the configuration for a rail.
func GetRailConfig(rail string) (*RailConfig, error) {
	config, ok := RailConfigs[rail]
	if !ok {
		return nil, fmt.Errorf("no configuration for rail %s", rail)
	}
	return &config, nil
}

// GetAssetInfo resolves the asset to transfer on a rail. An empty asset
// selects the rail's default; anything else must be a valid base58 mint
// address. Unknown mints carry DefaultDecimals as a placeholder; assembling
// a transfer needs the real decimals from extra fields or the cluster.
func GetAssetInfo(rail string, asset string) (*AssetInfo, error) {
	config, ok := RailConfigs[rail]
	if !ok {
		return nil, fmt.Errorf("no configuration for rail %s", rail)
	}

	if asset == "" {
		if config.DefaultAsset.Mint == "" {
			return nil, fmt.Errorf("no default asset for rail %s", rail)
		}
		info := config.DefaultAsset
		return &info, nil
	}

	if _, err := solana.PublicKeyFromBase58(asset); err != nil {
		return nil, fmt.Errorf("invalid asset address: %w", err)
	}
	if asset == config.DefaultAsset.Mint {
		info := config.DefaultAsset
		return &info, nil
	}
	return &AssetInfo{Mint: asset, Decimals: DefaultDecimals}, nil
}

// SupportedRails returns the configured rails in stable order.
func SupportedRails() []string {
	rails := make([]string, 0, len(RailConfigs))
	for rail := range RailConfigs {
		rails = append(rails, rail)
	}
	sort.Strings(rails)
	return rails
}
