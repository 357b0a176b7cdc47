package svm

import (
	"context"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	railsvm "github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/svm"
)

func TestNewKeySigner(t *testing.T) {
	wallet := solana.NewWallet()

	signer, err := NewKeySigner(wallet.PrivateKey.String())
	require.NoError(t, err)
	assert.Equal(t, wallet.PublicKey(), signer.Address())

	_, err = NewKeySigner("not-a-key")
	require.Error(t, err)
}

func TestSignTransactionVerifies(t *testing.T) {
	wallet := solana.NewWallet()
	signer := NewKeySignerFromWallet(wallet)

	requirement := &bazaar.PaymentRequirement{
		Scheme: railsvm.SchemeExact,
		Rail:   bazaar.Rail(railsvm.RailSolanaDevnet),
		Amount: "2500",
		PayTo:  solana.NewWallet().PublicKey().String(),
		Extra: map[string]interface{}{
			"feePayer":        solana.NewWallet().PublicKey().String(),
			"recentBlockhash": "EtWTRABZaYq6iMfeYKouRu166VU2xqa1np8KCTmeZaLu",
		},
	}

	proof, err := railsvm.NewExactProofBuilder(signer).BuildProof(context.Background(), requirement)
	require.NoError(t, err)

	verdict, err := railsvm.NewExactVerifier().Verify(context.Background(), proof, requirement)
	require.NoError(t, err)
	require.True(t, verdict.Verified, verdict.Reason)
	assert.Equal(t, wallet.PublicKey().String(), verdict.Payer)
}
