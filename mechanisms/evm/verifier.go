package evm

import (
	"context"
	"math/big"
	"strings"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// ExactVerifier verifies exact-scheme payment proofs for EVM rails. It works
// entirely offline: the EIP-712 digest is recomputed from the authorization
// and the payer recovered from the signature, so a verdict never needs a
// chain read. On-chain nonce state is the settling facilitator's concern;
// replay within this registry is blocked by the payment id.
type ExactVerifier struct {
	// now is swappable for validity-window tests.
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

// Verify checks the proof's authorization against the requirement and
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

	auth := payload.Authorization
	if !IsValidAddress(auth.From) {
		return deny("invalid from address"), nil
	}
	if !IsValidAddress(auth.To) {
		return deny("invalid to address"), nil
	}

	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return deny("invalid authorization nonce"), nil
	}

	authValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return deny("invalid authorization value"), nil
	}

	if verdict := v.checkRequirement(proof, auth, authValue, requirement); verdict != nil {
		return verdict, nil
	}

	if verdict := v.checkValidityWindow(auth); verdict != nil {
		return verdict, nil
	}

	assetAddress, tokenName, tokenVersion := v.assetParams(railStr, requirement, config)

	digest, err := HashTransferAuthorization(auth, config.ChainID, assetAddress, tokenName, tokenVersion)
	if err != nil {
		return deny("invalid authorization: " + err.Error()), nil
	}

	signatureBytes, err := HexToBytes(payload.Signature)
	if err != nil {
		return deny("invalid signature format"), nil
	}

	recovered, err := RecoverAddress(digest, signatureBytes)
	if err != nil {
		return deny("invalid signature: " + err.Error()), nil
	}
	if !strings.EqualFold(recovered, auth.From) {
		return deny("signature does not match payer"), nil
	}

	return &bazaar.PaymentVerdict{
		Verified:  true,
		PaymentID: auth.Nonce,
		Payer:     NormalizeAddress(auth.From),
	}, nil
}

// checkRequirement validates the authorization against the matched
// requirement. A nil requirement skips the economic checks; the negotiator
// always passes one.
func (v *ExactVerifier) checkRequirement(proof *bazaar.PaymentProof, auth TransferAuthorization, authValue *big.Int, requirement *bazaar.PaymentRequirement) *bazaar.PaymentVerdict {
	if requirement == nil {
		return nil
	}
	if !proof.Rail.Match(requirement.Rail) {
		return deny("rail mismatch")
	}
	if !strings.EqualFold(auth.To, requirement.PayTo) {
		return deny("recipient mismatch")
	}

	requiredValue, ok := new(big.Int).SetString(requirement.Amount, 10)
	if !ok {
		return deny("invalid required amount: " + requirement.Amount)
	}
	if authValue.Cmp(requiredValue) < 0 {
		return deny("insufficient amount")
	}
	return nil
}

// checkValidityWindow enforces validAfter <= now < validBefore.
func (v *ExactVerifier) checkValidityWindow(auth TransferAuthorization) *bazaar.PaymentVerdict {
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return deny("invalid validAfter")
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return deny("invalid validBefore")
	}

	now := big.NewInt(v.now().Unix())
	if now.Cmp(validAfter) < 0 {
		return deny("authorization not yet valid")
	}
	if now.Cmp(validBefore) >= 0 {
		return deny("authorization expired")
	}
	return nil
}

// assetParams resolves the verifying contract and its EIP-712 domain
// parameters the same way the builder does, so both sides hash the same
// domain.
func (v *ExactVerifier) assetParams(rail string, requirement *bazaar.PaymentRequirement, config *RailConfig) (address, name, version string) {
	assetAddress := ""
	if requirement != nil {
		assetAddress = requirement.Asset
	}
	assetInfo, err := GetAssetInfo(rail, assetAddress)
	if err != nil {
		assetInfo = &config.DefaultAsset
	}

	name = assetInfo.Name
	version = assetInfo.Version
	if requirement != nil && requirement.Extra != nil {
		if n, ok := requirement.Extra["name"].(string); ok {
			name = n
		}
		if ver, ok := requirement.Extra["version"].(string); ok {
			version = ver
		}
	}
	return assetInfo.Address, name, version
}

func deny(reason string) *bazaar.PaymentVerdict {
	return &bazaar.PaymentVerdict{Verified: false, Reason: reason}
}
