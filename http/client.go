package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// ============================================================================
// Retry Client
// ============================================================================

// SubmissionState identifies how far a submission run has progressed.
type SubmissionState string

const (
	StateInit              SubmissionState = "init"
	StateProbed            SubmissionState = "probed"
	StateChallengeReceived SubmissionState = "challenge_received"
	StateProofAttached     SubmissionState = "proof_attached"
	StateRetried           SubmissionState = "retried"
	StateSucceeded         SubmissionState = "succeeded"
	StateFailed            SubmissionState = "failed"
)

// SubmissionOutcome is the result of one submission run. On failure it still
// carries the state reached, the attempt count, and any failed record the
// server retained, so callers can decide what to do next.
type SubmissionOutcome struct {
	Record   *bazaar.ClaimRecord
	Receipt  *bazaar.PaymentReceipt
	State    SubmissionState
	Attempts int
}

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 8 * time.Second
	defaultProofWindow = 60 * time.Second
	defaultTimeout     = 30 * time.Second
)

// RetryClient drives a claim submission from the agent side. It probes the
// endpoint unpaid, answers the payment challenge through the registered rail
// builders, and resubmits until the claim registers or the error stops being
// worth retrying. A proof is reused across retries only while it is still
// inside its validity window; a stale proof forces a fresh challenge.
type RetryClient struct {
	proofs      *bazaar.ProofClient
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *log.Logger
}

// RetryClientOption configures the retry client.
type RetryClientOption func(*RetryClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) RetryClientOption {
	return func(c *RetryClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithMaxAttempts caps the total number of requests per submission run,
// counting the unpaid probe.
func WithMaxAttempts(attempts int) RetryClientOption {
	return func(c *RetryClient) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithBackoff sets the base and maximum delay between retried attempts. The
// delay doubles per retry from base up to max.
func WithBackoff(base, max time.Duration) RetryClientOption {
	return func(c *RetryClient) {
		if base > 0 {
			c.baseDelay = base
		}
		if max > 0 {
			c.maxDelay = max
		}
	}
}

// WithRetryLogger sets the client's logger. The default discards output.
func WithRetryLogger(logger *log.Logger) RetryClientOption {
	return func(c *RetryClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRetryClient creates a retry client over the given proof builders.
func NewRetryClient(proofs *bazaar.ProofClient, opts ...RetryClientOption) *RetryClient {
	c := &RetryClient{
		proofs:      proofs,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		logger:      log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// paymentRequired is the wire shape of every payment-required response: a
// plain challenge carries only version, error and accepts; a rejection adds
// the code that tells the client to stop paying.
type paymentRequired struct {
	Version int                         `json:"version"`
	Error   string                      `json:"error"`
	Code    string                      `json:"code"`
	Detail  map[string]interface{}      `json:"detail"`
	Accepts []bazaar.PaymentRequirement `json:"accepts"`
}

// SubmitClaim registers the claim at the submission endpoint. The first
// request goes out unpaid; a payment challenge is answered by building a
// proof on one of the registered rails and resubmitting immediately.
// Transient failures retry with exponential backoff. Rejected payments and
// claim conflicts stop the run, since retrying with the same proof cannot
// succeed.
func (c *RetryClient) SubmitClaim(ctx context.Context, endpoint string, sub *bazaar.ClaimSubmission) (*SubmissionOutcome, error) {
	if sub == nil {
		return nil, fmt.Errorf("submission is required")
	}
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}

	outcome := &SubmissionOutcome{State: StateInit}
	var (
		proof       *bazaar.PaymentProof
		proofExpiry time.Time
		lastErr     error
		retries     int
		delayNext   bool
	)

	for outcome.Attempts < c.maxAttempts {
		if delayNext {
			if err := c.wait(ctx, retries); err != nil {
				outcome.State = StateFailed
				return outcome, err
			}
			retries++
			delayNext = false
		}

		if proof != nil && time.Now().After(proofExpiry) {
			c.logger.Printf("claim %s: proof expired, probing for a fresh challenge", sub.SubjectID)
			proof = nil
		}

		resp, err := c.post(ctx, endpoint, body, proof)
		outcome.Attempts++
		if err != nil {
			if ctx.Err() != nil {
				outcome.State = StateFailed
				return outcome, ctx.Err()
			}
			c.logger.Printf("claim %s: attempt %d failed in transport: %v", sub.SubjectID, outcome.Attempts, err)
			lastErr = fmt.Errorf("submission request failed: %w", err)
			delayNext = true
			continue
		}

		if proof == nil {
			outcome.State = StateProbed
		} else {
			outcome.State = StateRetried
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			record, receipt, err := decodeRecordResponse(resp)
			if err != nil {
				outcome.State = StateFailed
				return outcome, err
			}
			outcome.Record = record
			outcome.Receipt = receipt
			outcome.State = StateSucceeded
			return outcome, nil

		case resp.StatusCode == http.StatusPaymentRequired:
			required, err := decodePaymentRequired(resp)
			if err != nil {
				outcome.State = StateFailed
				return outcome, err
			}
			if required.Code == bazaar.ErrCodePaymentRejected {
				outcome.State = StateFailed
				return outcome, bazaar.NewError(required.Code, required.Error, required.Detail)
			}
			if proof != nil {
				// A challenge for a proof we just attached will repeat for
				// as long as we resend the same proof.
				outcome.State = StateFailed
				return outcome, fmt.Errorf("payment was not accepted: %s", required.Error)
			}
			outcome.State = StateChallengeReceived
			challenge := &bazaar.PaymentChallenge{
				Version: required.Version,
				Error:   required.Error,
				Accepts: required.Accepts,
			}
			built, requirement, err := c.proofs.BuildProof(ctx, challenge)
			if err != nil {
				outcome.State = StateFailed
				return outcome, fmt.Errorf("build payment proof: %w", err)
			}
			proof = built
			proofExpiry = time.Now().Add(proofWindow(requirement))
			outcome.State = StateProofAttached
			c.logger.Printf("claim %s: challenge answered on rail %s", sub.SubjectID, built.Rail)

		default:
			record, err := decodeErrorResponse(resp)
			if record != nil {
				outcome.Record = record
			}
			if bazaar.Retryable(err) {
				c.logger.Printf("claim %s: attempt %d retryable: %v", sub.SubjectID, outcome.Attempts, err)
				lastErr = err
				delayNext = true
				continue
			}
			outcome.State = StateFailed
			return outcome, err
		}
	}

	outcome.State = StateFailed
	if lastErr == nil {
		return outcome, fmt.Errorf("submission gave up after %d attempts", outcome.Attempts)
	}
	return outcome, fmt.Errorf("submission gave up after %d attempts: %w", outcome.Attempts, lastErr)
}

// Lookup fetches the current claim record for a subject from the submission
// endpoint. Unknown subjects return bazaar.ErrNotFound.
func (c *RetryClient) Lookup(ctx context.Context, endpoint, subjectID string) (*bazaar.ClaimRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/"+url.PathEscape(subjectID), nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		defer resp.Body.Close()
		var record bazaar.ClaimRecord
		if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
			return nil, fmt.Errorf("decode claim record: %w", err)
		}
		return &record, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, bazaar.ErrNotFound
	default:
		_, err := decodeErrorResponse(resp)
		return nil, err
	}
}

func (c *RetryClient) post(ctx context.Context, endpoint string, body []byte, proof *bazaar.PaymentProof) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if proof != nil {
		if err := AttachProof(req, proof); err != nil {
			return nil, err
		}
	}
	return c.httpClient.Do(req)
}

// wait blocks for the current backoff delay or until the context ends.
func (c *RetryClient) wait(ctx context.Context, retries int) error {
	delay := c.baseDelay << retries
	if delay <= 0 || delay > c.maxDelay {
		delay = c.maxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// proofWindow is how long a built proof stays usable. The requirement's
// timeout bounds the signed authorization, so it bounds reuse too.
func proofWindow(requirement *bazaar.PaymentRequirement) time.Duration {
	if requirement != nil && requirement.MaxTimeoutSeconds > 0 {
		return time.Duration(requirement.MaxTimeoutSeconds) * time.Second
	}
	return defaultProofWindow
}

func decodeRecordResponse(resp *http.Response) (*bazaar.ClaimRecord, *bazaar.PaymentReceipt, error) {
	defer resp.Body.Close()
	receipt, err := DecodeReceipt(resp)
	if err != nil {
		return nil, nil, err
	}
	var record bazaar.ClaimRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, nil, fmt.Errorf("decode claim record: %w", err)
	}
	return &record, receipt, nil
}

func decodePaymentRequired(resp *http.Response) (*paymentRequired, error) {
	defer resp.Body.Close()
	var required paymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&required); err != nil {
		return nil, fmt.Errorf("parse payment required response: %w", err)
	}
	if required.Code == "" && len(required.Accepts) == 0 {
		return nil, fmt.Errorf("payment required response carries no payment options")
	}
	return &required, nil
}

// decodeErrorResponse turns a failed response into a registry error, along
// with the failed record when the server included one.
func decodeErrorResponse(resp *http.Response) (*bazaar.ClaimRecord, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read error response: %w", err)
	}

	var wire struct {
		Error  string                 `json:"error"`
		Code   string                 `json:"code"`
		Detail map[string]interface{} `json:"detail"`
		Record *bazaar.ClaimRecord    `json:"record"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Code != "" {
		return wire.Record, bazaar.NewError(wire.Code, wire.Error, wire.Detail)
	}
	return nil, fmt.Errorf("claim submission failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// PaymentRoundTripper retries requests that come back payment-required,
// building a proof for the challenge and replaying the request once with the
// payment header attached.
type PaymentRoundTripper struct {
	Transport  http.RoundTripper
	proofs     *bazaar.ProofClient
	retryCount *sync.Map
}

// NewPaymentRoundTripper wraps a transport with payment handling.
func NewPaymentRoundTripper(transport http.RoundTripper, proofs *bazaar.ProofClient) *PaymentRoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &PaymentRoundTripper{
		Transport:  transport,
		proofs:     proofs,
		retryCount: &sync.Map{},
	}
}

// WrapClientWithPayment wraps a standard HTTP client so a payment-required
// response is paid and retried transparently.
func WrapClientWithPayment(client *http.Client, proofs *bazaar.ProofClient) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	client.Transport = NewPaymentRoundTripper(client.Transport, proofs)
	return client
}

// RoundTrip implements http.RoundTripper.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	requestID := fmt.Sprintf("%p", req)
	count, _ := t.retryCount.LoadOrStore(requestID, 0)
	retries := count.(int)

	if retries > 1 {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("payment retry limit exceeded")
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		t.retryCount.Delete(requestID)
		return resp, nil
	}

	t.retryCount.Store(requestID, retries+1)

	challenge, err := DecodeChallengeResponse(resp)
	if err != nil {
		// Not a challenge we can answer; hand the response back as-is.
		t.retryCount.Delete(requestID)
		return resp, nil
	}

	proof, _, err := t.proofs.BuildProof(req.Context(), challenge)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("build payment proof: %w", err)
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		retryBody, err := req.GetBody()
		if err != nil {
			t.retryCount.Delete(requestID)
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = retryBody
	}
	if err := AttachProof(retry, proof); err != nil {
		t.retryCount.Delete(requestID)
		return nil, err
	}
	resp.Body.Close()

	newResp, err := t.Transport.RoundTrip(retry)
	t.retryCount.Delete(requestID)
	return newResp, err
}

// ============================================================================
// Convenience Methods
// ============================================================================

// DoWithPayment performs an HTTP request, paying a single challenge
// transparently.
func (c *RetryClient) DoWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	client := &http.Client{
		Transport: NewPaymentRoundTripper(c.httpClient.Transport, c.proofs),
		Timeout:   c.httpClient.Timeout,
	}
	return client.Do(req.WithContext(ctx))
}

// GetWithPayment performs a GET request with automatic payment handling.
func (c *RetryClient) GetWithPayment(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}

// PostWithPayment performs a POST request with automatic payment handling.
func (c *RetryClient) PostWithPayment(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}
