// Package contentstore uploads claim payloads to a content-addressed store
// and returns the address the store derived for them. It implements the
// bazaar.ContentStore interface.
package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

const (
	headerContentType    = "Content-Type"
	headerAuthorization  = "Authorization"
	mimeApplicationOctet = "application/octet-stream"

	// defaultTimeout bounds upload calls when no custom HTTP client is set.
	defaultTimeout = 30 * time.Second
)

// HTTPStore is a client for a content-addressed store exposed over HTTP.
// Payload bytes are posted as-is; the store answers with the address it
// derived, which is a deterministic digest of the bytes.
type HTTPStore struct {
	url         string
	httpClient  *http.Client
	bearerToken string
}

var _ bazaar.ContentStore = (*HTTPStore)(nil)

// Option configures the HTTP content store client.
type Option func(*HTTPStore)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithTimeout sets the request timeout on the default HTTP client. It has no
// effect when WithHTTPClient supplies a client of its own.
func WithTimeout(timeout time.Duration) Option {
	return func(s *HTTPStore) {
		if timeout > 0 {
			s.httpClient.Timeout = timeout
		}
	}
}

// WithBearerToken sends the token as an Authorization header on every upload.
func WithBearerToken(token string) Option {
	return func(s *HTTPStore) {
		s.bearerToken = token
	}
}

// NewHTTPStore creates a client for the content store at url. The url is the
// service base, without a trailing path: uploads post to {url}/upload.
func NewHTTPStore(url string, opts ...Option) *HTTPStore {
	s := &HTTPStore{
		url:        url,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// uploadResponse is the wire body the store answers uploads with.
type uploadResponse struct {
	ContentAddress string `json:"contentAddress"`
}

// Upload posts the payload and returns the content address the store derived
// for it.
func (s *HTTPStore) Upload(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("payload is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/upload", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationOctet)
	if s.bearerToken != "" {
		req.Header.Set(headerAuthorization, "Bearer "+s.bearerToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("content store upload failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	var uploaded uploadResponse
	if err := json.Unmarshal(responseBody, &uploaded); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if uploaded.ContentAddress == "" {
		return "", fmt.Errorf("content store returned an empty address")
	}

	return uploaded.ContentAddress, nil
}

// MockStore derives addresses locally without talking to any service. The
// address is the sha256 digest of the payload, so equal payloads always map
// to equal addresses. Used as the config-selected store in local development
// and tests.
type MockStore struct {
	// Err, when set, fails every upload.
	Err error

	mu    sync.Mutex
	calls int
}

var _ bazaar.ContentStore = (*MockStore)(nil)

// NewMockStore creates a mock that addresses everything it is shown.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// Upload returns "sha256:<hex digest>" of the payload.
func (m *MockStore) Upload(_ context.Context, payload []byte) (string, error) {
	m.mu.Lock()
	m.calls++
	err := m.Err
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("payload is empty")
	}

	digest := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(digest[:]), nil
}

// Calls reports how many times Upload ran. Test helper.
func (m *MockStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
