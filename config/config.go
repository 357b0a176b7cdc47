// Package config loads server settings from the environment so main stays
// lean. Every knob defaults to something workable for local development
// except the payout addresses, which have no sane default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Claim ledger backends selectable via LEDGER_BACKEND.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// Facilitator modes selectable via FACILITATOR_MODE.
const (
	FacilitatorLocal  = "local"
	FacilitatorRemote = "remote"
	FacilitatorMock   = "mock"
)

// Config carries everything main needs to assemble a claims server.
type Config struct {
	Addr string

	LedgerBackend string
	PostgresURL   string
	RedisURL      string
	CacheTTL      time.Duration

	FacilitatorMode string
	FacilitatorURL  string
	// FacilitatorAPIKey is sent as a bearer token to a remote facilitator
	// that requires one.
	FacilitatorAPIKey string

	// ContentStoreURL selects the HTTP content store; empty keeps claim
	// documents in memory.
	ContentStoreURL string

	// ChainRPCURL selects the on-chain registry broadcaster; empty keeps
	// the registry in memory.
	ChainRPCURL      string
	ChainPrivateKey  string
	RegistryAddress  string
	ChainID          int64

	// A rail is offered in challenges only when its payout address is set.
	EVMRail  string
	EVMAsset string
	EVMPayTo string

	SVMRail  string
	SVMAsset string
	SVMPayTo string

	HypercoreRail  string
	HypercoreAsset string
	HypercorePayTo string

	// Price is the human-readable amount per registration, converted to
	// asset base units using the rail's asset decimals.
	Price          string
	TimeoutSeconds int
}

// FromEnv reads configuration from the environment, applying defaults for
// local development. It returns an error when a selected mode is missing a
// required setting.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Addr:              getenv("BAZAAR_ADDR", ":8080"),
		LedgerBackend:     getenv("LEDGER_BACKEND", LedgerMemory),
		PostgresURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		FacilitatorMode:   getenv("FACILITATOR_MODE", FacilitatorLocal),
		FacilitatorURL:    os.Getenv("FACILITATOR_URL"),
		FacilitatorAPIKey: os.Getenv("FACILITATOR_API_KEY"),
		ContentStoreURL:   os.Getenv("CONTENT_STORE_URL"),
		ChainRPCURL:       os.Getenv("CHAIN_RPC_URL"),
		ChainPrivateKey:   os.Getenv("CHAIN_PRIVATE_KEY"),
		RegistryAddress:   os.Getenv("REGISTRY_ADDRESS"),
		EVMRail:           getenv("EVM_RAIL", "eip155:84532"), // Base Sepolia
		EVMAsset:          os.Getenv("EVM_ASSET"),             // empty selects the rail default
		EVMPayTo:          os.Getenv("EVM_PAY_TO"),
		SVMRail:           getenv("SVM_RAIL", "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"), // Solana Devnet
		SVMAsset:          os.Getenv("SVM_ASSET"),
		SVMPayTo:          os.Getenv("SVM_PAY_TO"),
		HypercoreRail:     getenv("HYPERCORE_RAIL", "hypercore:testnet"),
		HypercoreAsset:    os.Getenv("HYPERCORE_ASSET"),
		HypercorePayTo:    os.Getenv("HYPERCORE_PAY_TO"),
		Price:             getenv("PRICE", "0.01"),
	}

	switch cfg.LedgerBackend {
	case LedgerMemory:
	case LedgerPostgres:
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("LEDGER_BACKEND=postgres requires DATABASE_URL")
		}
	case LedgerRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("LEDGER_BACKEND=redis requires REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}

	switch cfg.FacilitatorMode {
	case FacilitatorLocal, FacilitatorMock:
	case FacilitatorRemote:
		if cfg.FacilitatorURL == "" {
			return nil, fmt.Errorf("FACILITATOR_MODE=remote requires FACILITATOR_URL")
		}
	default:
		return nil, fmt.Errorf("unknown facilitator mode %q", cfg.FacilitatorMode)
	}

	if cfg.EVMPayTo == "" && cfg.SVMPayTo == "" && cfg.HypercorePayTo == "" {
		return nil, fmt.Errorf("at least one of EVM_PAY_TO, SVM_PAY_TO, or HYPERCORE_PAY_TO is required")
	}

	if cfg.ChainRPCURL != "" && (cfg.ChainPrivateKey == "" || cfg.RegistryAddress == "") {
		return nil, fmt.Errorf("CHAIN_RPC_URL requires CHAIN_PRIVATE_KEY and REGISTRY_ADDRESS")
	}

	var err error
	if cfg.CacheTTL, err = getduration("LEDGER_CACHE_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.ChainID, err = getint64("CHAIN_ID", 84532); err != nil {
		return nil, err
	}
	timeout, err := getint64("PAYMENT_TIMEOUT_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.TimeoutSeconds = int(timeout)

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getduration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
