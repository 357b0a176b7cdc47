// Package stdlib exposes the claim registry over net/http without a framework.
// It mirrors the gin and echo packages for deployments that keep to the
// standard library router.
package stdlib

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	bazaarhttp "github.com/ClarenceL/infinite-bazaar-demo-sub002/http"
)

// HandlerOptions is the options for the claim registry handlers.
type HandlerOptions struct {
	Paywall           bazaarhttp.PaywallProvider
	PaywallConfig     *bazaarhttp.PaywallConfig
	CustomPaywallHTML string
}

// Options is the type for the options for the claim registry handlers.
type Options func(*HandlerOptions)

// WithPaywall sets the provider that renders browser-facing challenges.
func WithPaywall(provider bazaarhttp.PaywallProvider) Options {
	return func(options *HandlerOptions) {
		options.Paywall = provider
	}
}

// WithPaywallConfig customizes the rendered paywall page.
func WithPaywallConfig(config *bazaarhttp.PaywallConfig) Options {
	return func(options *HandlerOptions) {
		options.PaywallConfig = config
	}
}

// WithCustomPaywallHTML replaces the rendered paywall page entirely.
func WithCustomPaywallHTML(customPaywallHTML string) Options {
	return func(options *HandlerOptions) {
		options.CustomPaywallHTML = customPaywallHTML
	}
}

func newHandlerOptions(opts ...Options) *HandlerOptions {
	options := &HandlerOptions{
		Paywall: bazaarhttp.DefaultPaywallProvider(),
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Routes mounts the claim registry endpoints on the mux: claim submission,
// claim lookup, and a liveness probe.
func Routes(mux *http.ServeMux, negotiator *bazaar.Negotiator, opts ...Options) {
	mux.Handle("POST /claims", SubmitHandler(negotiator, opts...))
	mux.Handle("GET /claims/{subjectId}", LookupHandler(negotiator))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// SubmitHandler accepts a claim submission with an optional payment proof in
// the X-PAYMENT header. It answers with a payment challenge, the registered
// claim record, or a structured error.
func SubmitHandler(negotiator *bazaar.Negotiator, opts ...Options) http.Handler {
	options := newHandlerOptions(opts...)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sub bazaar.ClaimSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			bindErr := bazaar.NewError(bazaar.ErrCodeInvalidSubmission,
				"request body is not a valid claim submission", nil)
			writeJSON(w, http.StatusBadRequest, bazaarhttp.ErrorBody(bindErr, nil))
			return
		}

		var proof *bazaar.PaymentProof
		if header := r.Header.Get(bazaarhttp.HeaderPayment); header != "" {
			decoded, err := bazaarhttp.ValidateAndDecodePaymentHeader(header)
			if err != nil {
				writeChallenge(w, r, negotiator.Challenge(challengeMessage(err)), options)
				return
			}
			proof = decoded
		}

		result, err := negotiator.Negotiate(r.Context(), &sub, proof)
		if err != nil {
			var record *bazaar.ClaimRecord
			if result != nil {
				record = result.Record
			}
			status := bazaarhttp.StatusForError(err)
			if status == http.StatusPaymentRequired {
				writeJSON(w, status, bazaarhttp.PaymentRequiredBody(err, negotiator.Requirements()))
				return
			}
			writeJSON(w, status, bazaarhttp.ErrorBody(err, record))
			return
		}

		if result.Challenge != nil {
			writeChallenge(w, r, result.Challenge, options)
			return
		}

		if result.Receipt != nil {
			encoded, err := result.Receipt.EncodeToBase64String()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, bazaarhttp.ErrorBody(err, nil))
				return
			}
			w.Header().Set(bazaarhttp.HeaderPaymentResponse, encoded)
		}

		writeJSON(w, http.StatusOK, result.Record)
	})
}

// LookupHandler returns the current claim record for a subject id.
func LookupHandler(negotiator *bazaar.Negotiator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record, err := negotiator.Lookup(r.Context(), r.PathValue("subjectId"))
		if err != nil {
			writeJSON(w, bazaarhttp.StatusForError(err), bazaarhttp.ErrorBody(err, nil))
			return
		}
		writeJSON(w, http.StatusOK, record)
	})
}

// writeChallenge answers payment-required: HTML for browsers when a paywall
// is configured, the machine-readable challenge otherwise.
func writeChallenge(w http.ResponseWriter, r *http.Request, challenge *bazaar.PaymentChallenge, options *HandlerOptions) {
	if isWebBrowser(r.Header.Get("Accept"), r.Header.Get("User-Agent")) {
		html := options.CustomPaywallHTML
		if html == "" && options.Paywall != nil {
			html = options.Paywall.GenerateHTML(challenge, options.PaywallConfig)
		}
		if html != "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(html))
			return
		}
	}
	writeJSON(w, http.StatusPaymentRequired, challenge)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebBrowser(acceptHeader, userAgent string) bool {
	return strings.Contains(acceptHeader, "text/html") && strings.Contains(userAgent, "Mozilla")
}

func challengeMessage(err error) string {
	var typed *bazaar.Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}
