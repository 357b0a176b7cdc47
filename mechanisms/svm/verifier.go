package svm

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"strconv"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// TransferChecked layout within the SPL token program.
const (
	transferCheckedDiscriminator = 12
	transferCheckedDataLen       = 10 // discriminator + u64 amount + u8 decimals
	transferCheckedMinAccounts   = 4  // source, mint, destination, owner
)

// Exact transactions carry the canonical three instructions plus up to three
// optional Memo or Lighthouse instructions.
const (
	minInstructionCount = 3
	maxInstructionCount = 6
)

var (
	memoProgram       = solana.MustPublicKeyFromBase58(MemoProgramAddress)
	lighthouseProgram = solana.MustPublicKeyFromBase58(LighthouseProgramAddress)
)

// ExactVerifier verifies exact-scheme payment proofs for SVM rails. It works
// entirely offline: the transaction is decoded and checked structurally and
// the payer's ed25519 signature is verified against the message bytes, so a
// verdict never needs a cluster read. Broadcasting is the settling
// facilitator's concern; replay within the registry is blocked by the
// payment id, which is the payer's signature over the transaction.
type ExactVerifier struct{}

// NewExactVerifier creates a verifier for the exact scheme.
func NewExactVerifier() *ExactVerifier {
	return &ExactVerifier{}
}

// Scheme returns the scheme identifier.
func (v *ExactVerifier) Scheme() string {
	return SchemeExact
}

// Verify decodes the proof's transaction, checks its structure against the
// requirement, and verifies the payer's signature. Rejections come back as
// unverified verdicts with a reason; an error is reserved for malfunctions.
func (v *ExactVerifier) Verify(ctx context.Context, proof *bazaar.PaymentProof, requirement *bazaar.PaymentRequirement) (*bazaar.PaymentVerdict, error) {
	if proof == nil {
		return deny("payment proof is required"), nil
	}
	if proof.Scheme != SchemeExact {
		return deny("invalid scheme: " + proof.Scheme), nil
	}

	railStr := string(proof.Rail)
	if !IsValidRail(railStr) {
		return deny("unsupported rail: " + railStr), nil
	}

	payload, err := ExactPayloadFromMap(proof.Payload)
	if err != nil {
		return deny("invalid payload: " + err.Error()), nil
	}

	tx, err := DecodeTransaction(payload.Transaction)
	if err != nil {
		return deny("invalid transaction: " + err.Error()), nil
	}

	transfer, verdict := extractTransfer(tx)
	if verdict != nil {
		return verdict, nil
	}

	if verdict := v.checkRequirement(proof, transfer, requirement); verdict != nil {
		return verdict, nil
	}

	signature, verdict := payerSignature(tx, transfer.ownerIndex)
	if verdict != nil {
		return verdict, nil
	}

	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return deny("invalid transaction message: " + err.Error()), nil
	}
	if !ed25519.Verify(ed25519.PublicKey(transfer.owner[:]), messageBytes, signature[:]) {
		return deny("signature does not match payer"), nil
	}

	return &bazaar.PaymentVerdict{
		Verified:  true,
		PaymentID: signature.String(),
		Payer:     transfer.owner.String(),
	}, nil
}

// transferChecked is the decoded SPL token transfer at the heart of an exact
// transaction.
type transferChecked struct {
	amount      uint64
	mint        solana.PublicKey
	destination solana.PublicKey
	owner       solana.PublicKey
	ownerIndex  uint16
}

// extractTransfer walks the transaction's instructions, allowing compute
// budget, Memo, and Lighthouse programs alongside exactly one token
// transfer. Anything else is a denial.
func extractTransfer(tx *solana.Transaction) (*transferChecked, *bazaar.PaymentVerdict) {
	instructionCount := len(tx.Message.Instructions)
	if instructionCount < minInstructionCount || instructionCount > maxInstructionCount {
		return nil, deny(fmt.Sprintf("transaction must carry %d to %d instructions, got %d", minInstructionCount, maxInstructionCount, instructionCount))
	}

	var transfer *transferChecked
	for _, ix := range tx.Message.Instructions {
		program, err := accountAt(tx, ix.ProgramIDIndex)
		if err != nil {
			return nil, deny("invalid instruction program index")
		}

		switch {
		case program.Equals(solana.TokenProgramID) || program.Equals(solana.Token2022ProgramID):
			if transfer != nil {
				return nil, deny("transaction carries more than one token transfer")
			}
			decoded, reason := decodeTransferChecked(tx, ix)
			if reason != "" {
				return nil, deny(reason)
			}
			transfer = decoded
		case program.Equals(computebudget.ProgramID), program.Equals(memoProgram), program.Equals(lighthouseProgram):
			// Allowed alongside the transfer.
		default:
			return nil, deny("unexpected program in transaction: " + program.String())
		}
	}

	if transfer == nil {
		return nil, deny("transaction carries no token transfer")
	}
	return transfer, nil
}

// decodeTransferChecked parses a TransferChecked instruction. Account order
// is source, mint, destination, owner.
func decodeTransferChecked(tx *solana.Transaction, ix solana.CompiledInstruction) (*transferChecked, string) {
	data := []byte(ix.Data)
	if len(data) < transferCheckedDataLen || data[0] != transferCheckedDiscriminator {
		return nil, "token instruction is not TransferChecked"
	}
	if len(ix.Accounts) < transferCheckedMinAccounts {
		return nil, "malformed transfer instruction accounts"
	}

	mint, err := accountAt(tx, ix.Accounts[1])
	if err != nil {
		return nil, "malformed transfer instruction accounts"
	}
	destination, err := accountAt(tx, ix.Accounts[2])
	if err != nil {
		return nil, "malformed transfer instruction accounts"
	}
	owner, err := accountAt(tx, ix.Accounts[3])
	if err != nil {
		return nil, "malformed transfer instruction accounts"
	}

	return &transferChecked{
		amount:      binary.LittleEndian.Uint64(data[1:9]),
		mint:        mint,
		destination: destination,
		owner:       owner,
		ownerIndex:  ix.Accounts[3],
	}, ""
}

// checkRequirement validates the transfer against the matched requirement.
// A nil requirement skips the economic checks; the negotiator always passes
// one.
func (v *ExactVerifier) checkRequirement(proof *bazaar.PaymentProof, transfer *transferChecked, requirement *bazaar.PaymentRequirement) *bazaar.PaymentVerdict {
	if requirement == nil {
		return nil
	}
	if !proof.Rail.Match(requirement.Rail) {
		return deny("rail mismatch")
	}

	assetInfo, err := GetAssetInfo(string(proof.Rail), requirement.Asset)
	if err != nil {
		return deny("invalid required asset: " + err.Error())
	}
	if transfer.mint.String() != assetInfo.Mint {
		return deny("asset mismatch")
	}

	payTo, err := solana.PublicKeyFromBase58(requirement.PayTo)
	if err != nil {
		return deny("invalid payTo address: " + requirement.PayTo)
	}
	expectedDestination, _, err := solana.FindAssociatedTokenAddress(payTo, transfer.mint)
	if err != nil {
		return deny("failed to derive destination token account")
	}
	if !transfer.destination.Equals(expectedDestination) {
		return deny("recipient mismatch")
	}

	required, err := strconv.ParseUint(requirement.Amount, 10, 64)
	if err != nil {
		return deny("invalid required amount: " + requirement.Amount)
	}
	if transfer.amount < required {
		return deny("insufficient amount")
	}
	return nil
}

// payerSignature returns the payer's signature from the transaction. The
// owner must be a required signer; the fee payer's slot may still be empty.
func payerSignature(tx *solana.Transaction, ownerIndex uint16) (solana.Signature, *bazaar.PaymentVerdict) {
	if int(ownerIndex) >= int(tx.Message.Header.NumRequiredSignatures) {
		return solana.Signature{}, deny("payer is not a transaction signer")
	}
	if int(ownerIndex) >= len(tx.Signatures) {
		return solana.Signature{}, deny("missing payer signature")
	}
	signature := tx.Signatures[ownerIndex]
	if signature == (solana.Signature{}) {
		return solana.Signature{}, deny("missing payer signature")
	}
	return signature, nil
}

func accountAt(tx *solana.Transaction, index uint16) (solana.PublicKey, error) {
	if int(index) >= len(tx.Message.AccountKeys) {
		return solana.PublicKey{}, fmt.Errorf("account index %d out of range", index)
	}
	return tx.Message.AccountKeys[index], nil
}

func deny(reason string) *bazaar.PaymentVerdict {
	return &bazaar.PaymentVerdict{Verified: false, Reason: reason}
}
