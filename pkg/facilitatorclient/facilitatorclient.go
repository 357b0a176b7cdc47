// Package facilitatorclient talks to a remote payment facilitator service
// over HTTP. It implements the bazaar.FacilitatorClient interface so a
// Coordinator can delegate payment verification to an external service
// instead of running rail verifiers in-process.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

const (
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	// defaultTimeout bounds facilitator calls when no custom HTTP client is set.
	defaultTimeout = 30 * time.Second

	// supportedRetries is the number of attempts for Supported on 429 responses.
	supportedRetries = 3

	// supportedRetryBaseDelay is the base delay for exponential backoff on retries.
	supportedRetryBaseDelay = 1 * time.Second
)

// AuthProvider supplies authentication headers for facilitator requests,
// keyed by endpoint name ("verify", "supported").
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (map[string]map[string]string, error)
}

// AuthProviderFunc adapts a plain function to the AuthProvider interface.
type AuthProviderFunc func(ctx context.Context) (map[string]map[string]string, error)

// GetAuthHeaders calls f.
func (f AuthProviderFunc) GetAuthHeaders(ctx context.Context) (map[string]map[string]string, error) {
	return f(ctx)
}

// BearerAuth returns an AuthProvider that sends a static bearer token on
// every facilitator endpoint. Hosted facilitators that issue per-request
// credentials need a custom AuthProvider instead.
func BearerAuth(token string) AuthProvider {
	return AuthProviderFunc(func(ctx context.Context) (map[string]map[string]string, error) {
		header := map[string]string{"Authorization": "Bearer " + token}
		return map[string]map[string]string{
			"verify":    header,
			"supported": header,
		}, nil
	})
}

// SupportedRail names one rail/scheme pair the facilitator can verify.
type SupportedRail struct {
	Rail   bazaar.Rail `json:"rail"`
	Scheme string      `json:"scheme"`
}

// RemoteFacilitator is an HTTP client for a facilitator service. A denial
// comes back as an unverified verdict; an error return means the service
// could not be reached or answered outside the protocol, which callers may
// treat as transient.
type RemoteFacilitator struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

var _ bazaar.FacilitatorClient = (*RemoteFacilitator)(nil)

// Option configures the remote facilitator client.
type Option func(*RemoteFacilitator)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *RemoteFacilitator) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithTimeout sets the request timeout on the default HTTP client. It has no
// effect when WithHTTPClient supplies a client of its own.
func WithTimeout(timeout time.Duration) Option {
	return func(f *RemoteFacilitator) {
		if timeout > 0 {
			f.httpClient.Timeout = timeout
		}
	}
}

// WithAuthProvider installs an authentication header source.
func WithAuthProvider(provider AuthProvider) Option {
	return func(f *RemoteFacilitator) {
		f.authProvider = provider
	}
}

// NewRemoteFacilitator creates a client for the facilitator service at url.
// The url is the service base, without a trailing path: verification posts
// to {url}/verify.
func NewRemoteFacilitator(url string, opts ...Option) *RemoteFacilitator {
	f := &RemoteFacilitator{
		url:        url,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// verifyRequest is the wire body for POST /verify.
type verifyRequest struct {
	Version            int                        `json:"version"`
	PaymentProof       *bazaar.PaymentProof       `json:"paymentProof"`
	PaymentRequirement *bazaar.PaymentRequirement `json:"paymentRequirement"`
}

// Verify sends the proof and the requirement it must satisfy to the
// facilitator and returns its verdict. A 200 response always carries a
// verdict, verified or not. A non-200 response that still decodes to a
// denial is returned as that denial; anything else is an error.
func (f *RemoteFacilitator) Verify(ctx context.Context, proof *bazaar.PaymentProof, requirement *bazaar.PaymentRequirement) (*bazaar.PaymentVerdict, error) {
	body, err := json.Marshal(verifyRequest{
		Version:            bazaar.ProtocolVersion,
		PaymentProof:       proof,
		PaymentRequirement: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := f.addAuthHeaders(ctx, req, "verify"); err != nil {
		return nil, fmt.Errorf("failed to apply verify auth headers: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	var verdict bazaar.PaymentVerdict
	if resp.StatusCode != http.StatusOK {
		// Some facilitators map denials to 4xx. A decodable denial is still
		// a verdict; everything else is a service failure.
		if err := json.Unmarshal(responseBody, &verdict); err == nil && !verdict.Verified && verdict.Reason != "" {
			return &verdict, nil
		}
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	if err := json.Unmarshal(responseBody, &verdict); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}

	return &verdict, nil
}

// supportedResponse is the wire body for GET /supported.
type supportedResponse struct {
	Rails []SupportedRail `json:"rails"`
}

// Supported retrieves the rail/scheme pairs the facilitator can verify.
// Retries up to 3 times with exponential backoff on 429 responses.
func (f *RemoteFacilitator) Supported(ctx context.Context) ([]SupportedRail, error) {
	var lastErr error

	for attempt := 0; attempt < supportedRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url+"/supported", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create supported request: %w", err)
		}
		req.Header.Set(headerContentType, mimeApplicationJSON)

		if err := f.addAuthHeaders(ctx, req, "supported"); err != nil {
			return nil, fmt.Errorf("failed to apply supported auth headers: %w", err)
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("supported request failed: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read supported response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supported supportedResponse
			if err := json.Unmarshal(responseBody, &supported); err != nil {
				return nil, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supported.Rails, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(responseBody))

		if resp.StatusCode == http.StatusTooManyRequests && attempt < supportedRetries-1 {
			delay := supportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, lastErr
	}

	return nil, lastErr
}

func (f *RemoteFacilitator) addAuthHeaders(ctx context.Context, req *http.Request, endpoint string) error {
	if f.authProvider == nil {
		return nil
	}

	headers, err := f.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return err
	}

	for key, value := range headers[endpoint] {
		req.Header.Set(key, value)
	}

	return nil
}
