package hypercore

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/evm"
)

// Well-known development key, never funded.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

type keySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)
	return &keySigner{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *keySigner) Address() string {
	return s.address.Hex()
}

func (s *keySigner) SignTypedData(
	_ context.Context,
	domain evm.TypedDataDomain,
	types map[string][]evm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	digest, err := evm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, err
	}
	signature[64] += 27
	return signature, nil
}

type failingSigner struct{}

func (failingSigner) Address() string { return testPayTo }

func (failingSigner) SignTypedData(context.Context, evm.TypedDataDomain, map[string][]evm.TypedDataField, string, map[string]interface{}) ([]byte, error) {
	return nil, errors.New("hsm offline")
}

func testRequirement() *bazaar.PaymentRequirement {
	return &bazaar.PaymentRequirement{
		Scheme:            SchemeExact,
		Rail:              RailTestnet,
		Asset:             "USDH:0x471fd4480bb9943a1fe080ab0d4ff36c",
		Amount:            "250000000", // 2.5 USDH
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 300,
	}
}

func TestBuildProof(t *testing.T) {
	signer := newKeySigner(t)
	builder := NewExactProofBuilder(signer)
	require.Equal(t, SchemeExact, builder.Scheme())

	before := time.Now().UnixMilli()
	proof, err := builder.BuildProof(context.Background(), testRequirement())
	require.NoError(t, err)
	after := time.Now().UnixMilli()

	assert.Equal(t, bazaar.ProtocolVersion, proof.Version)
	assert.Equal(t, bazaar.Rail(RailTestnet), proof.Rail)
	assert.Equal(t, SchemeExact, proof.Scheme)

	payload, err := ExactPayloadFromMap(proof.Payload)
	require.NoError(t, err)

	action := payload.Action
	assert.Equal(t, ActionTypeSendAsset, action.Type)
	assert.Equal(t, "Testnet", action.HyperliquidChain)
	assert.Equal(t, "0x3e7", action.SignatureChainID)
	assert.Equal(t, strings.ToLower(testPayTo), action.Destination)
	assert.Equal(t, SpotDex, action.SourceDex)
	assert.Equal(t, SpotDex, action.DestinationDex)
	assert.Equal(t, "USDH:0x471fd4480bb9943a1fe080ab0d4ff36c", action.Token)
	assert.Equal(t, "2.5", action.Amount)
	assert.Empty(t, action.FromSubAccount)
	assert.GreaterOrEqual(t, action.Nonce, before)
	assert.LessOrEqual(t, action.Nonce, after)

	signatureBytes, err := evm.HexToBytes(payload.Signature)
	require.NoError(t, err)
	assert.Len(t, signatureBytes, 65)
}

func TestBuildProofUnsupportedRail(t *testing.T) {
	builder := NewExactProofBuilder(newKeySigner(t))

	requirement := testRequirement()
	requirement.Rail = "hypercore:devnet"

	_, err := builder.BuildProof(context.Background(), requirement)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration for rail")
}

func TestBuildProofSignerError(t *testing.T) {
	builder := NewExactProofBuilder(failingSigner{})

	_, err := builder.BuildProof(context.Background(), testRequirement())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to sign action")
}

func TestVerifyAcceptsBuiltProof(t *testing.T) {
	signer := newKeySigner(t)
	builder := NewExactProofBuilder(signer)
	verifier := NewExactVerifier()

	requirement := testRequirement()
	proof, err := builder.BuildProof(context.Background(), requirement)
	require.NoError(t, err)

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)

	assert.True(t, verdict.Verified, verdict.Reason)
	assert.Equal(t, signer.Address(), verdict.Payer)

	payload, err := ExactPayloadFromMap(proof.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload.Signature, verdict.PaymentID)
}

func TestVerifyAcceptsJSONRoundTrippedPayload(t *testing.T) {
	signer := newKeySigner(t)
	builder := NewExactProofBuilder(signer)
	verifier := NewExactVerifier()

	requirement := testRequirement()
	proof, err := builder.BuildProof(context.Background(), requirement)
	require.NoError(t, err)

	// Proofs arrive through JSON in practice, which turns the nonce into a
	// float64.
	encoded, err := json.Marshal(proof.Payload)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	proof.Payload = decoded

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	assert.True(t, verdict.Verified, verdict.Reason)
	assert.Equal(t, signer.Address(), verdict.Payer)
}

func TestVerifyTamperedActionShiftsPayer(t *testing.T) {
	signer := newKeySigner(t)
	builder := NewExactProofBuilder(signer)
	verifier := NewExactVerifier()

	requirement := testRequirement()
	proof, err := builder.BuildProof(context.Background(), requirement)
	require.NoError(t, err)

	// Inflate the amount after signing. The action names no sender, so a
	// tampered action still recovers to some address, just never the
	// original payer's.
	action := proof.Payload["action"].(map[string]interface{})
	action["amount"] = "9999"

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	assert.True(t, verdict.Verified, verdict.Reason)
	assert.NotEqual(t, signer.Address(), verdict.Payer)
}

func TestVerifyRejectsWrongRecipient(t *testing.T) {
	builder := NewExactProofBuilder(newKeySigner(t))
	verifier := NewExactVerifier()

	proof, err := builder.BuildProof(context.Background(), testRequirement())
	require.NoError(t, err)

	requirement := testRequirement()
	requirement.PayTo = "0x1111111111111111111111111111111111111111"

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, "recipient mismatch", verdict.Reason)
}

func TestVerifyRejectsInsufficientAmount(t *testing.T) {
	builder := NewExactProofBuilder(newKeySigner(t))
	verifier := NewExactVerifier()

	proof, err := builder.BuildProof(context.Background(), testRequirement())
	require.NoError(t, err)

	requirement := testRequirement()
	requirement.Amount = "500000000"

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, "insufficient amount", verdict.Reason)
}

func TestVerifyRejectsTokenMismatch(t *testing.T) {
	builder := NewExactProofBuilder(newKeySigner(t))
	verifier := NewExactVerifier()

	proof, err := builder.BuildProof(context.Background(), testRequirement())
	require.NoError(t, err)

	requirement := testRequirement()
	requirement.Asset = "UBTC:0x8f254b963e8468305d409b33aa137c67"

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, "token mismatch", verdict.Reason)
}

func TestVerifyNonceFreshness(t *testing.T) {
	builder := NewExactProofBuilder(newKeySigner(t))

	requirement := testRequirement()
	proof, err := builder.BuildProof(context.Background(), requirement)
	require.NoError(t, err)

	t.Run("stale", func(t *testing.T) {
		verifier := NewExactVerifier()
		verifier.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

		verdict, err := verifier.Verify(context.Background(), proof, requirement)
		require.NoError(t, err)
		assert.False(t, verdict.Verified)
		assert.Equal(t, "nonce too old", verdict.Reason)
	})

	t.Run("future-dated", func(t *testing.T) {
		verifier := NewExactVerifier()
		verifier.now = func() time.Time { return time.Now().Add(-time.Minute) }

		verdict, err := verifier.Verify(context.Background(), proof, requirement)
		require.NoError(t, err)
		assert.False(t, verdict.Verified)
		assert.Equal(t, "nonce is in the future", verdict.Reason)
	})
}

func TestVerifyRejectsUnknownRail(t *testing.T) {
	verifier := NewExactVerifier()

	proof := &bazaar.PaymentProof{
		Version: bazaar.ProtocolVersion,
		Rail:    "hypercore:devnet",
		Scheme:  SchemeExact,
		Payload: map[string]interface{}{"action": map[string]interface{}{}},
	}

	verdict, err := verifier.Verify(context.Background(), proof, nil)
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Contains(t, verdict.Reason, "unsupported rail")
}

func TestVerifyRejectsChainMismatch(t *testing.T) {
	builder := NewExactProofBuilder(newKeySigner(t))
	verifier := NewExactVerifier()

	requirement := testRequirement()
	proof, err := builder.BuildProof(context.Background(), requirement)
	require.NoError(t, err)

	action := proof.Payload["action"].(map[string]interface{})
	action["hyperliquidChain"] = "Mainnet"

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, "chain mismatch: Mainnet", verdict.Reason)
}

func TestVerifyRejectsWrongActionType(t *testing.T) {
	builder := NewExactProofBuilder(newKeySigner(t))
	verifier := NewExactVerifier()

	requirement := testRequirement()
	proof, err := builder.BuildProof(context.Background(), requirement)
	require.NoError(t, err)

	action := proof.Payload["action"].(map[string]interface{})
	action["type"] = "usdSend"

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, "invalid action type: usdSend", verdict.Reason)
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	builder := NewExactProofBuilder(newKeySigner(t))
	verifier := NewExactVerifier()

	requirement := testRequirement()
	proof, err := builder.BuildProof(context.Background(), requirement)
	require.NoError(t, err)
	delete(proof.Payload, "signature")

	verdict, err := verifier.Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Equal(t, "missing signature", verdict.Reason)
}

func TestVerifyRejectsMalformedPayload(t *testing.T) {
	verifier := NewExactVerifier()

	proof := &bazaar.PaymentProof{
		Version: bazaar.ProtocolVersion,
		Rail:    RailTestnet,
		Scheme:  SchemeExact,
		Payload: map[string]interface{}{"signature": "0x00"},
	}

	verdict, err := verifier.Verify(context.Background(), proof, testRequirement())
	require.NoError(t, err)
	assert.False(t, verdict.Verified)
	assert.Contains(t, verdict.Reason, "invalid payload")
}

func TestHashSendAssetBindsFields(t *testing.T) {
	action := SendAssetAction{
		Type:             ActionTypeSendAsset,
		HyperliquidChain: "Testnet",
		SignatureChainID: "0x3e7",
		Destination:      strings.ToLower(testPayTo),
		SourceDex:        SpotDex,
		DestinationDex:   SpotDex,
		Token:            "USDH:0x471fd4480bb9943a1fe080ab0d4ff36c",
		Amount:           "2.5",
		Nonce:            1700000000000,
	}

	first, err := HashSendAsset(action)
	require.NoError(t, err)
	again, err := HashSendAsset(action)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	action.Destination = "0x1111111111111111111111111111111111111111"
	moved, err := HashSendAsset(action)
	require.NoError(t, err)
	assert.NotEqual(t, first, moved)
}

func TestGetAssetInfo(t *testing.T) {
	t.Run("default asset", func(t *testing.T) {
		info, err := GetAssetInfo(RailMainnet, "")
		require.NoError(t, err)
		assert.Equal(t, "USDH", info.Name)
		assert.Equal(t, "USDH:0x54e00a5988577cb0b0c9ab0cb6ef7f4b", info.Token)
		assert.Equal(t, DefaultDecimals, info.Decimals)
	})

	t.Run("default asset by token id", func(t *testing.T) {
		info, err := GetAssetInfo(RailTestnet, "USDH:0x471fd4480bb9943a1fe080ab0d4ff36c")
		require.NoError(t, err)
		assert.Equal(t, "USDH", info.Name)
	})

	t.Run("unknown token", func(t *testing.T) {
		info, err := GetAssetInfo(RailMainnet, "UBTC:0x8f254b963e8468305d409b33aa137c67")
		require.NoError(t, err)
		assert.Equal(t, "UBTC", info.Name)
		assert.Equal(t, DefaultDecimals, info.Decimals)
	})

	t.Run("bad token id", func(t *testing.T) {
		_, err := GetAssetInfo(RailMainnet, "not-a-token")
		require.Error(t, err)
	})

	t.Run("unknown rail", func(t *testing.T) {
		_, err := GetAssetInfo("hypercore:devnet", "")
		require.Error(t, err)
	})
}
