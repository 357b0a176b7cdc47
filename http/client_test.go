package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	bazaarhttp "github.com/ClarenceL/infinite-bazaar-demo-sub002/http"
)

const (
	testRail   = bazaar.Rail("eip155:84532")
	testScheme = "exact"
	testPayTo  = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

type stubBuilder struct {
	calls        int
	requirements []*bazaar.PaymentRequirement
	err          error
}

func (b *stubBuilder) Scheme() string { return testScheme }

func (b *stubBuilder) BuildProof(_ context.Context, requirement *bazaar.PaymentRequirement) (*bazaar.PaymentProof, error) {
	b.calls++
	b.requirements = append(b.requirements, requirement)
	if b.err != nil {
		return nil, b.err
	}
	return &bazaar.PaymentProof{
		Version: bazaar.ProtocolVersion,
		Rail:    requirement.Rail,
		Scheme:  requirement.Scheme,
		Payload: map[string]interface{}{
			"signature": "0xdeadbeef",
			"authorization": map[string]interface{}{
				"from":  "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				"nonce": "0x4bf3f2a8e5e56e5f8c7a9b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6c5d4e",
			},
		},
	}, nil
}

func newProofClient(builder *stubBuilder) *bazaar.ProofClient {
	return bazaar.NewProofClient().Register(testRail, builder)
}

func testRequirement() bazaar.PaymentRequirement {
	return bazaar.PaymentRequirement{
		Scheme:            testScheme,
		Rail:              testRail,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:            "10000",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
	}
}

func testChallenge() map[string]interface{} {
	return map[string]interface{}{
		"version": bazaar.ProtocolVersion,
		"error":   "payment required",
		"accepts": []bazaar.PaymentRequirement{testRequirement()},
	}
}

func registeredRecord() *bazaar.ClaimRecord {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return &bazaar.ClaimRecord{
		SubjectID:       "agent-ember",
		ClaimID:         "0193b7b8-2f63-7c31-a6d4-52ce33c1a2b7",
		ClaimType:       bazaar.ClaimTypeGenesis,
		Fingerprint:     "2b43ab9c3707b800d78672180d7529ddff7b43cbb1e0b37b2204462e5c6fbf5d",
		ContentAddress:  "sha256:cafef00d",
		TransactionHash: "0x6e1f3a7d8c5b4a3f2e1d0c9b8a7f6e5d4c3b2a1f0e9d8c7b6a5f4e3d2c1b0a9f",
		PaymentID:       "0x4bf3f2a8e5e56e5f8c7a9b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6c5d4e",
		Status:          bazaar.StatusRegistered,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func testSubmission() *bazaar.ClaimSubmission {
	return &bazaar.ClaimSubmission{
		SubjectID: "agent-ember",
		ClaimType: bazaar.ClaimTypeGenesis,
		Payload:   json.RawMessage(`{"name":"ember","statement":"I choose my own name"}`),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func TestSubmitClaimPaysChallenge(t *testing.T) {
	var paymentHeaders []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/claims", r.URL.Path)

		header := r.Header.Get("X-Payment")
		paymentHeaders = append(paymentHeaders, header)
		if header == "" {
			writeJSON(w, http.StatusPaymentRequired, testChallenge())
			return
		}

		proof, err := bazaar.DecodeProofFromBase64(header)
		require.NoError(t, err)
		assert.Equal(t, testRail, proof.Rail)

		receipt := &bazaar.PaymentReceipt{
			PaymentID: "0x4bf3f2a8e5e56e5f8c7a9b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6c5d4e",
			Rail:      testRail,
		}
		encoded, err := receipt.EncodeToBase64String()
		require.NoError(t, err)
		w.Header().Set("X-Payment-Response", encoded)
		writeJSON(w, http.StatusCreated, registeredRecord())
	}))
	defer srv.Close()

	builder := &stubBuilder{}
	client := bazaarhttp.NewRetryClient(newProofClient(builder))

	outcome, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.NoError(t, err)

	assert.Equal(t, bazaarhttp.StateSucceeded, outcome.State)
	assert.Equal(t, 2, outcome.Attempts)
	require.NotNil(t, outcome.Record)
	assert.Equal(t, "agent-ember", outcome.Record.SubjectID)
	assert.Equal(t, bazaar.StatusRegistered, outcome.Record.Status)
	require.NotNil(t, outcome.Receipt)
	assert.Equal(t, testRail, outcome.Receipt.Rail)

	require.Len(t, paymentHeaders, 2)
	assert.Empty(t, paymentHeaders[0])
	assert.NotEmpty(t, paymentHeaders[1])

	require.Equal(t, 1, builder.calls)
	assert.Equal(t, "10000", builder.requirements[0].Amount)
}

func TestSubmitClaimAlreadyRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registeredRecord())
	}))
	defer srv.Close()

	builder := &stubBuilder{}
	client := bazaarhttp.NewRetryClient(newProofClient(builder))

	outcome, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.NoError(t, err)

	assert.Equal(t, bazaarhttp.StateSucceeded, outcome.State)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Nil(t, outcome.Receipt)
	assert.Equal(t, 0, builder.calls)
}

func TestSubmitClaimPaymentRejected(t *testing.T) {
	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("X-Payment") == "" {
			writeJSON(w, http.StatusPaymentRequired, testChallenge())
			return
		}
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"version": bazaar.ProtocolVersion,
			"error":   "authorization expired",
			"code":    bazaar.ErrCodePaymentRejected,
			"accepts": []bazaar.PaymentRequirement{testRequirement()},
		})
	}))
	defer srv.Close()

	client := bazaarhttp.NewRetryClient(newProofClient(&stubBuilder{}))

	outcome, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.Error(t, err)

	assert.True(t, bazaar.IsCode(err, bazaar.ErrCodePaymentRejected))
	assert.Contains(t, err.Error(), "authorization expired")
	assert.Equal(t, bazaarhttp.StateFailed, outcome.State)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 2, requests)
}

func TestSubmitClaimConflictStops(t *testing.T) {
	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": "a different claim is already registered for this subject",
			"code":  bazaar.ErrCodeClaimConflict,
		})
	}))
	defer srv.Close()

	client := bazaarhttp.NewRetryClient(newProofClient(&stubBuilder{}))

	outcome, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.Error(t, err)

	assert.True(t, bazaar.IsCode(err, bazaar.ErrCodeClaimConflict))
	assert.Equal(t, bazaarhttp.StateFailed, outcome.State)
	assert.Equal(t, 1, requests)
}

func TestSubmitClaimRetriesTransientWithSameProof(t *testing.T) {
	var paidHeaders []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("X-Payment")
		if header == "" {
			writeJSON(w, http.StatusPaymentRequired, testChallenge())
			return
		}
		paidHeaders = append(paidHeaders, header)
		if len(paidHeaders) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error": "facilitator is unreachable",
				"code":  bazaar.ErrCodeFacilitatorUnavailable,
			})
			return
		}
		writeJSON(w, http.StatusCreated, registeredRecord())
	}))
	defer srv.Close()

	builder := &stubBuilder{}
	client := bazaarhttp.NewRetryClient(newProofClient(builder),
		bazaarhttp.WithBackoff(time.Millisecond, 4*time.Millisecond))

	outcome, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.NoError(t, err)

	assert.Equal(t, bazaarhttp.StateSucceeded, outcome.State)
	assert.Equal(t, 3, outcome.Attempts)
	require.Len(t, paidHeaders, 2)
	assert.Equal(t, paidHeaders[0], paidHeaders[1])
	assert.Equal(t, 1, builder.calls)
}

func TestSubmitClaimGivesUpAfterMaxAttempts(t *testing.T) {
	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "facilitator is unreachable",
			"code":  bazaar.ErrCodeFacilitatorUnavailable,
		})
	}))
	defer srv.Close()

	client := bazaarhttp.NewRetryClient(newProofClient(&stubBuilder{}),
		bazaarhttp.WithMaxAttempts(2),
		bazaarhttp.WithBackoff(time.Millisecond, 2*time.Millisecond))

	outcome, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.Error(t, err)

	assert.Contains(t, err.Error(), "gave up after 2 attempts")
	assert.True(t, bazaar.IsCode(err, bazaar.ErrCodeFacilitatorUnavailable))
	assert.Equal(t, bazaarhttp.StateFailed, outcome.State)
	assert.Equal(t, 2, requests)
}

func TestSubmitClaimSurfacesFailedRecord(t *testing.T) {
	failed := registeredRecord()
	failed.Status = bazaar.StatusFailed
	failed.TransactionHash = ""
	failed.FailureCode = bazaar.ErrCodeLedgerBroadcastFailure
	failed.FailureReason = "broadcast registration: connection refused"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":  "broadcast registration: connection refused",
			"code":   bazaar.ErrCodeLedgerBroadcastFailure,
			"record": failed,
		})
	}))
	defer srv.Close()

	client := bazaarhttp.NewRetryClient(newProofClient(&stubBuilder{}),
		bazaarhttp.WithMaxAttempts(1))

	outcome, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.Error(t, err)

	require.NotNil(t, outcome.Record)
	assert.Equal(t, bazaar.StatusFailed, outcome.Record.Status)
	assert.Equal(t, bazaar.ErrCodeLedgerBroadcastFailure, outcome.Record.FailureCode)
}

func TestSubmitClaimExpiredProofProbesAgain(t *testing.T) {
	var headers []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("X-Payment")
		headers = append(headers, header)
		if header == "" {
			challenge := testChallenge()
			requirement := testRequirement()
			requirement.MaxTimeoutSeconds = 1
			challenge["accepts"] = []bazaar.PaymentRequirement{requirement}
			writeJSON(w, http.StatusPaymentRequired, challenge)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "facilitator is unreachable",
			"code":  bazaar.ErrCodeFacilitatorUnavailable,
		})
	}))
	defer srv.Close()

	builder := &stubBuilder{}
	client := bazaarhttp.NewRetryClient(newProofClient(builder),
		bazaarhttp.WithBackoff(550*time.Millisecond, 550*time.Millisecond))

	_, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.Error(t, err)

	// Probe, paid attempt, paid retry inside the window, then a fresh probe
	// once the one-second window lapsed.
	require.Len(t, headers, 4)
	assert.Empty(t, headers[0])
	assert.NotEmpty(t, headers[1])
	assert.NotEmpty(t, headers[2])
	assert.Empty(t, headers[3])
	assert.Equal(t, 2, builder.calls)
}

func TestSubmitClaimBuildProofError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, testChallenge())
	}))
	defer srv.Close()

	builder := &stubBuilder{err: assert.AnError}
	client := bazaarhttp.NewRetryClient(newProofClient(builder))

	outcome, err := client.SubmitClaim(context.Background(), srv.URL+"/claims", testSubmission())
	require.Error(t, err)

	assert.Contains(t, err.Error(), "build payment proof")
	assert.Equal(t, bazaarhttp.StateFailed, outcome.State)
}

func TestSubmitClaimContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "facilitator is unreachable",
			"code":  bazaar.ErrCodeFacilitatorUnavailable,
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := bazaarhttp.NewRetryClient(newProofClient(&stubBuilder{}),
		bazaarhttp.WithBackoff(time.Hour, time.Hour))

	_, err := client.SubmitClaim(ctx, srv.URL+"/claims", testSubmission())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/claims/agent-ember":
			writeJSON(w, http.StatusOK, registeredRecord())
		default:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error": "claim record not found",
				"code":  bazaar.ErrCodeClaimNotFound,
			})
		}
	}))
	defer srv.Close()

	client := bazaarhttp.NewRetryClient(newProofClient(&stubBuilder{}))

	record, err := client.Lookup(context.Background(), srv.URL+"/claims", "agent-ember")
	require.NoError(t, err)
	assert.Equal(t, "agent-ember", record.SubjectID)
	assert.Equal(t, bazaar.StatusRegistered, record.Status)

	_, err = client.Lookup(context.Background(), srv.URL+"/claims", "agent-unknown")
	assert.ErrorIs(t, err, bazaar.ErrNotFound)
}

func TestPaymentRoundTripperPaysTransparently(t *testing.T) {
	var paymentHeaders []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("X-Payment")
		paymentHeaders = append(paymentHeaders, header)
		if header == "" {
			writeJSON(w, http.StatusPaymentRequired, testChallenge())
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "premium content")
	}))
	defer srv.Close()

	client := bazaarhttp.WrapClientWithPayment(&http.Client{}, newProofClient(&stubBuilder{}))

	resp, err := client.Get(srv.URL + "/premium")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "premium content", string(body))

	require.Len(t, paymentHeaders, 2)
	assert.Empty(t, paymentHeaders[0])
	assert.NotEmpty(t, paymentHeaders[1])
}

func TestPaymentRoundTripperHandsBackUnanswerable402(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, "payment required, no terms")
	}))
	defer srv.Close()

	client := bazaarhttp.WrapClientWithPayment(&http.Client{}, newProofClient(&stubBuilder{}))

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payment required, no terms", string(body))
}

func TestPostWithPaymentReplaysBody(t *testing.T) {
	var bodies []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(body))
		if r.Header.Get("X-Payment") == "" {
			writeJSON(w, http.StatusPaymentRequired, testChallenge())
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := bazaarhttp.NewRetryClient(newProofClient(&stubBuilder{}))

	resp, err := client.PostWithPayment(context.Background(), srv.URL, strings.NewReader(`{"hello":"world"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, bodies, 2)
	assert.Equal(t, `{"hello":"world"}`, bodies[0])
	assert.Equal(t, `{"hello":"world"}`, bodies[1])
}
