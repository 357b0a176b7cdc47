package svm

import (
	"context"
	"fmt"
	"strconv"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// ExactProofBuilder builds exact-scheme payment proofs for SVM rails. The
// produced transaction is partially signed: the payer's token-owner
// signature is present and the fee-payer slot stays empty for the operator.
//
// Challenges carry the transient chain state a transfer needs (fee payer,
// recent blockhash, mint decimals) in the requirement's extra fields, so
// building a proof makes no RPC calls by default. A builder constructed
// WithRPC resolves whatever the requirement omits from the cluster instead.
type ExactProofBuilder struct {
	signer Signer
	useRPC bool
	rpcURL string
}

// BuilderOption configures an ExactProofBuilder.
type BuilderOption func(*ExactProofBuilder)

// WithRPC enables RPC resolution of blockhashes and mint metadata when the
// requirement omits them. An empty url selects the rail's default endpoint.
func WithRPC(url string) BuilderOption {
	return func(b *ExactProofBuilder) {
		b.useRPC = true
		b.rpcURL = url
	}
}

// NewExactProofBuilder creates a proof builder around a signer.
func NewExactProofBuilder(signer Signer, opts ...BuilderOption) *ExactProofBuilder {
	b := &ExactProofBuilder{signer: signer}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scheme returns the scheme identifier.
func (b *ExactProofBuilder) Scheme() string {
	return SchemeExact
}

// BuildProof assembles and partially signs a TransferChecked transaction
// paying the requirement's amount to its receiving address, wrapped as a
// payment proof.
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
	mint, err := solana.PublicKeyFromBase58(assetInfo.Mint)
	if err != nil {
		return nil, fmt.Errorf("invalid asset address: %w", err)
	}

	payTo, err := solana.PublicKeyFromBase58(requirement.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid payTo address: %w", err)
	}

	// Requirement amounts are already in the mint's smallest unit.
	amount, err := strconv.ParseUint(requirement.Amount, 10, 64)
	if err != nil || amount == 0 {
		return nil, fmt.Errorf("invalid amount: %s", requirement.Amount)
	}

	feePayer, err := requiredFeePayer(requirement)
	if err != nil {
		return nil, err
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(b.signer.Address(), mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	destinationATA, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination token account: %w", err)
	}

	var rpcClient *rpc.Client
	if endpoint := b.endpoint(config); endpoint != "" {
		rpcClient = rpc.New(endpoint)
	}

	decimals, blockhash, err := resolveChainState(ctx, rpcClient, requirement, config, mint)
	if err != nil {
		return nil, err
	}

	if rpcClient != nil {
		if err := checkTokenAccounts(ctx, rpcClient, sourceATA, destinationATA); err != nil {
			return nil, err
		}
	}

	tx, err := buildTransferTransaction(amount, decimals, sourceATA, mint, destinationATA, b.signer.Address(), feePayer, blockhash)
	if err != nil {
		return nil, err
	}

	if err := b.signer.SignTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	encoded, err := EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}

	payload := &ExactPayload{Transaction: encoded}
	return &bazaar.PaymentProof{
		Version: bazaar.ProtocolVersion,
		Rail:    requirement.Rail,
		Scheme:  SchemeExact,
		Payload: payload.ToMap(),
	}, nil
}

// endpoint returns the RPC endpoint to use, or "" when RPC is disabled.
func (b *ExactProofBuilder) endpoint(config *RailConfig) string {
	if !b.useRPC {
		return ""
	}
	if b.rpcURL != "" {
		return b.rpcURL
	}
	return config.RPCURL
}

// requiredFeePayer reads the operator's fee payer from the requirement. A
// transfer cannot be assembled without one, so its absence is an error
// rather than a denial.
func requiredFeePayer(requirement *bazaar.PaymentRequirement) (solana.PublicKey, error) {
	addr := ""
	if requirement.Extra != nil {
		addr, _ = requirement.Extra["feePayer"].(string)
	}
	if addr == "" {
		return solana.PublicKey{}, fmt.Errorf("feePayer is required in requirement extra for Solana transactions")
	}
	feePayer, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid feePayer address: %w", err)
	}
	return feePayer, nil
}

// resolveChainState returns the mint decimals and recent blockhash for the
// transfer. Extra fields win, the rail's known assets cover decimals next,
// and a non-nil RPC client resolves the rest from the cluster.
func resolveChainState(
	ctx context.Context,
	rpcClient *rpc.Client,
	requirement *bazaar.PaymentRequirement,
	config *RailConfig,
	mint solana.PublicKey,
) (uint8, solana.Hash, error) {
	decimals, haveDecimals, err := extraDecimals(requirement)
	if err != nil {
		return 0, solana.Hash{}, err
	}
	if !haveDecimals && mint.String() == config.DefaultAsset.Mint {
		decimals = config.DefaultAsset.Decimals
		haveDecimals = true
	}

	var blockhash solana.Hash
	haveBlockhash := false
	if requirement.Extra != nil {
		if raw, ok := requirement.Extra["recentBlockhash"].(string); ok && raw != "" {
			blockhash, err = solana.HashFromBase58(raw)
			if err != nil {
				return 0, solana.Hash{}, fmt.Errorf("invalid recentBlockhash: %w", err)
			}
			haveBlockhash = true
		}
	}

	if haveDecimals && haveBlockhash {
		return decimals, blockhash, nil
	}
	if rpcClient == nil {
		if !haveBlockhash {
			return 0, solana.Hash{}, fmt.Errorf("recentBlockhash is required in requirement extra when rpc is disabled")
		}
		return 0, solana.Hash{}, fmt.Errorf("decimals are required in requirement extra for asset %s when rpc is disabled", mint)
	}

	if !haveDecimals {
		decimals, err = fetchMintDecimals(ctx, rpcClient, mint)
		if err != nil {
			return 0, solana.Hash{}, err
		}
	}
	if !haveBlockhash {
		latest, err := rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return 0, solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
		}
		blockhash = latest.Value.Blockhash
	}
	return decimals, blockhash, nil
}

// extraDecimals reads a decimals override from the requirement. JSON
// numbers arrive as float64; directly built requirements may carry ints.
func extraDecimals(requirement *bazaar.PaymentRequirement) (uint8, bool, error) {
	if requirement.Extra == nil {
		return 0, false, nil
	}
	raw, ok := requirement.Extra["decimals"]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		if v < 0 || v > 255 {
			return 0, false, fmt.Errorf("invalid decimals: %v", v)
		}
		return uint8(v), true, nil
	case int:
		if v < 0 || v > 255 {
			return 0, false, fmt.Errorf("invalid decimals: %v", v)
		}
		return uint8(v), true, nil
	default:
		return 0, false, fmt.Errorf("invalid decimals: %v", raw)
	}
}

// fetchMintDecimals reads the mint account and decodes its decimals. The
// mint must be owned by a known token program.
func fetchMintDecimals(ctx context.Context, rpcClient *rpc.Client, mint solana.PublicKey) (uint8, error) {
	account, err := rpcClient.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to get mint account: %w", err)
	}
	if account == nil || account.Value == nil {
		return 0, fmt.Errorf("mint account %s does not exist", mint)
	}

	owner := account.Value.Owner
	if !owner.Equals(solana.TokenProgramID) && !owner.Equals(solana.Token2022ProgramID) {
		return 0, fmt.Errorf("asset was not created by a known token program")
	}

	var mintData token.Mint
	if err := bin.NewBinDecoder(account.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return 0, fmt.Errorf("failed to decode mint data: %w", err)
	}
	return mintData.Decimals, nil
}

// checkTokenAccounts confirms both associated token accounts exist before a
// transfer is assembled against them.
func checkTokenAccounts(ctx context.Context, rpcClient *rpc.Client, source, destination solana.PublicKey) error {
	sourceAccount, err := rpcClient.GetAccountInfo(ctx, source)
	if err != nil || sourceAccount == nil || sourceAccount.Value == nil {
		return fmt.Errorf("source token account %s does not exist", source)
	}
	destinationAccount, err := rpcClient.GetAccountInfo(ctx, destination)
	if err != nil || destinationAccount == nil || destinationAccount.Value == nil {
		return fmt.Errorf("destination token account %s does not exist", destination)
	}
	return nil
}

// buildTransferTransaction assembles the canonical three-instruction
// transfer: compute unit limit, compute unit price, TransferChecked.
func buildTransferTransaction(
	amount uint64,
	decimals uint8,
	source, mint, destination, owner, feePayer solana.PublicKey,
	blockhash solana.Hash,
) (*solana.Transaction, error) {
	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(ComputeUnitLimit).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute limit instruction: %w", err)
	}

	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(DefaultComputeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute price instruction: %w", err)
	}

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transferIx).
		SetRecentBlockHash(blockhash).
		SetFeePayer(feePayer).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}
