package hypercore

import (
	"context"
	"math/big"
	"strings"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/evm"
)

// ExactVerifier verifies exact-scheme payment proofs for Hyperliquid Core
// rails. It works entirely offline: the action's EIP-712 digest is recomputed
// and the payer recovered from the signature, so a verdict never needs an
// exchange call. Submitting the action to Hyperliquid is the settling
// facilitator's concern; replay within this registry is blocked by the
// payment id, which is the payer's signature over the action.
//
// A sendAsset action names no sender. Whoever signed it is the payer, so
// recovery is the identity check itself; tampering with a signed action
// shifts the recovered address rather than forging the original payer.
type ExactVerifier struct {
	// now is swappable for nonce-freshness tests.
	now func() time.Time
}

// NewExactVerifier creates a verifier for the exact scheme.
func NewExactVerifier() *ExactVerifier {
	return &ExactVerifier{now: time.Now}
}

// Scheme returns the scheme identifier.
func (v *ExactVerifier) Scheme() string {
	return SchemeExact
}

// Verify checks the proof's sendAsset action against the requirement and
// recovers its signer. Rejections come back as unverified verdicts with a
// reason; an error is reserved for malfunctions.
func (v *ExactVerifier) Verify(ctx context.Context, proof *bazaar.PaymentProof, requirement *bazaar.PaymentRequirement) (*bazaar.PaymentVerdict, error) {
	if proof == nil {
		return deny("payment proof is required"), nil
	}
	if proof.Scheme != SchemeExact {
		return deny("invalid scheme: " + proof.Scheme), nil
	}

	railStr := string(proof.Rail)
	config, err := GetRailConfig(railStr)
	if err != nil {
		return deny("unsupported rail: " + railStr), nil
	}

	payload, err := ExactPayloadFromMap(proof.Payload)
	if err != nil {
		return deny("invalid payload: " + err.Error()), nil
	}
	if payload.Signature == "" {
		return deny("missing signature"), nil
	}

	action := payload.Action
	if action.Type != ActionTypeSendAsset {
		return deny("invalid action type: " + action.Type), nil
	}
	if action.HyperliquidChain != config.Chain {
		return deny("chain mismatch: " + action.HyperliquidChain), nil
	}
	if !evm.IsValidAddress(action.Destination) {
		return deny("invalid destination address"), nil
	}

	if verdict := v.checkRequirement(proof, action, requirement); verdict != nil {
		return verdict, nil
	}

	if verdict := v.checkNonce(action.Nonce); verdict != nil {
		return verdict, nil
	}

	digest, err := HashSendAsset(action)
	if err != nil {
		return deny("invalid action: " + err.Error()), nil
	}

	signatureBytes, err := evm.HexToBytes(payload.Signature)
	if err != nil {
		return deny("invalid signature format"), nil
	}

	payer, err := evm.RecoverAddress(digest, signatureBytes)
	if err != nil {
		return deny("invalid signature: " + err.Error()), nil
	}

	return &bazaar.PaymentVerdict{
		Verified:  true,
		PaymentID: payload.Signature,
		Payer:     payer,
	}, nil
}

// checkRequirement validates the action against the matched requirement. A
// nil requirement skips the economic checks; the negotiator always passes
// one.
func (v *ExactVerifier) checkRequirement(proof *bazaar.PaymentProof, action SendAssetAction, requirement *bazaar.PaymentRequirement) *bazaar.PaymentVerdict {
	if requirement == nil {
		return nil
	}
	if !proof.Rail.Match(requirement.Rail) {
		return deny("rail mismatch")
	}
	if !strings.EqualFold(action.Destination, requirement.PayTo) {
		return deny("recipient mismatch")
	}
	if requirement.Asset != "" && action.Token != requirement.Asset {
		return deny("token mismatch")
	}

	assetInfo, err := GetAssetInfo(string(proof.Rail), requirement.Asset)
	if err != nil {
		return deny("invalid required asset: " + err.Error())
	}
	paid, err := evm.ParseAmount(action.Amount, assetInfo.Decimals)
	if err != nil {
		return deny("invalid amount format: " + action.Amount)
	}
	required, ok := new(big.Int).SetString(requirement.Amount, 10)
	if !ok {
		return deny("invalid required amount: " + requirement.Amount)
	}
	if paid.Cmp(required) < 0 {
		return deny("insufficient amount")
	}
	return nil
}

// checkNonce enforces freshness. Nonces are millisecond timestamps; both
// stale and future-dated ones are denied.
func (v *ExactVerifier) checkNonce(nonce int64) *bazaar.PaymentVerdict {
	age := v.now().Sub(time.UnixMilli(nonce))
	if age < 0 {
		return deny("nonce is in the future")
	}
	if age > MaxNonceAge {
		return deny("nonce too old")
	}
	return nil
}

func deny(reason string) *bazaar.PaymentVerdict {
	return &bazaar.PaymentVerdict{Verified: false, Reason: reason}
}
