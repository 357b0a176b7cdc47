// Package ledgerclient broadcasts claim registrations to an EVM chain and
// polls them to finality. It implements the bazaar.LedgerClient interface.
//
// Registrations are recorded by calling a registry contract: the transaction
// carries the subject id, claim id, claim type and content address, so a
// claim can be audited from the chain alone.
package ledgerclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// registryABI is the minimal ABI for the claim registry contract.
const registryABI = `[{"inputs":[{"name":"subjectId","type":"string"},{"name":"claimId","type":"string"},{"name":"claimType","type":"string"},{"name":"contentAddress","type":"string"}],"name":"registerClaim","outputs":[],"type":"function"}]`

// defaultGasLimit covers a registerClaim call with generous headroom.
const defaultGasLimit = uint64(300000)

// EVMLedger writes registrations to a claim registry contract on an EVM
// chain. One instance serves one chain; the chain id is fixed at
// construction so transactions cannot be replayed across chains.
type EVMLedger struct {
	client      *ethclient.Client
	privateKey  *ecdsa.PrivateKey
	address     common.Address
	registry    common.Address
	chainID     *big.Int
	gasLimit    uint64
	registryABI abi.ABI
}

var _ bazaar.LedgerClient = (*EVMLedger)(nil)

// Option configures the EVM ledger client.
type Option func(*EVMLedger)

// WithGasLimit overrides the gas limit for registration transactions.
func WithGasLimit(gasLimit uint64) Option {
	return func(l *EVMLedger) {
		if gasLimit > 0 {
			l.gasLimit = gasLimit
		}
	}
}

// NewEVMLedger creates a ledger client that signs registration transactions
// with the given private key and sends them to the registry contract through
// the RPC endpoint at rpcURL.
func NewEVMLedger(rpcURL, privateKeyHex, registryAddress string, chainID int64, opts ...Option) (*EVMLedger, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	if !common.IsHexAddress(registryAddress) {
		return nil, fmt.Errorf("invalid registry address: %s", registryAddress)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("invalid chain id: %d", chainID)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}

	l := &EVMLedger{
		client:      client,
		privateKey:  privateKey,
		address:     crypto.PubkeyToAddress(privateKey.PublicKey),
		registry:    common.HexToAddress(registryAddress),
		chainID:     big.NewInt(chainID),
		gasLimit:    defaultGasLimit,
		registryABI: parsed,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Broadcast packs the registration into a registerClaim call, signs it and
// sends it. Returns the transaction hash.
func (l *EVMLedger) Broadcast(ctx context.Context, reg *bazaar.Registration) (string, error) {
	if reg == nil {
		return "", fmt.Errorf("registration is nil")
	}

	data, err := l.registryABI.Pack("registerClaim", reg.SubjectID, reg.ClaimID, reg.ClaimType, reg.ContentAddress)
	if err != nil {
		return "", fmt.Errorf("failed to pack registration: %w", err)
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasTipCap, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas tip cap: %w", err)
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	// Use gas price as fee cap (conservative upper bound)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasPrice,
		Gas:       l.gasLimit,
		To:        &l.registry,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// Confirm reports whether the transaction has been mined. A missing receipt
// means it is still pending, not an error. A reverted transaction is an
// error: that registration will never confirm.
func (l *EVMLedger) Confirm(ctx context.Context, txHash string) (bool, error) {
	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get receipt for %s: %w", txHash, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, fmt.Errorf("transaction %s reverted", txHash)
	}
	return true, nil
}

// Close releases the underlying RPC connection.
func (l *EVMLedger) Close() {
	l.client.Close()
}

// MockLedger records broadcasts in memory and confirms them after a set
// number of polls. Used as the config-selected ledger client in local
// development and tests.
type MockLedger struct {
	// BroadcastErr, when set, fails every broadcast.
	BroadcastErr error
	// ConfirmErr, when set, fails every confirmation poll.
	ConfirmErr error
	// PollsToConfirm is how many Confirm calls report pending before a
	// transaction confirms. Zero confirms on the first poll.
	PollsToConfirm int

	mu         sync.Mutex
	seq        int
	broadcasts map[string]bazaar.Registration
	polls      map[string]int
}

var _ bazaar.LedgerClient = (*MockLedger)(nil)

// NewMockLedger creates a mock that confirms everything it broadcasts.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		broadcasts: make(map[string]bazaar.Registration),
		polls:      make(map[string]int),
	}
}

// Broadcast stores the registration and returns a synthetic transaction hash.
func (m *MockLedger) Broadcast(_ context.Context, reg *bazaar.Registration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BroadcastErr != nil {
		return "", m.BroadcastErr
	}
	if reg == nil {
		return "", fmt.Errorf("registration is nil")
	}

	m.seq++
	txHash := fmt.Sprintf("0x%064x", m.seq)
	m.broadcasts[txHash] = *reg
	m.polls[txHash] = 0
	return txHash, nil
}

// Confirm reports pending until the transaction has been polled
// PollsToConfirm times. Unknown hashes are an error.
func (m *MockLedger) Confirm(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConfirmErr != nil {
		return false, m.ConfirmErr
	}
	if _, ok := m.broadcasts[txHash]; !ok {
		return false, fmt.Errorf("unknown transaction %s", txHash)
	}

	m.polls[txHash]++
	return m.polls[txHash] > m.PollsToConfirm, nil
}

// Broadcasts returns a copy of every registration broadcast so far, keyed by
// transaction hash. Test helper.
func (m *MockLedger) Broadcasts() map[string]bazaar.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bazaar.Registration, len(m.broadcasts))
	for hash, reg := range m.broadcasts {
		out[hash] = reg
	}
	return out
}
