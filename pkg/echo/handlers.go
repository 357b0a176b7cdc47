// Package echo exposes the claim registry over an echo router. It mirrors the
// gin package; the handlers stay thin and the registration semantics live in
// the negotiator.
package echo

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	bazaarhttp "github.com/ClarenceL/infinite-bazaar-demo-sub002/http"
)

// Router is the subset of echo's routing surface the handlers mount on. Both
// *echo.Echo and *echo.Group satisfy it.
type Router interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

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

// Routes mounts the claim registry endpoints on the router: claim submission,
// claim lookup, and a liveness probe.
func Routes(r Router, negotiator *bazaar.Negotiator, opts ...Options) {
	r.POST("/claims", SubmitHandler(negotiator, opts...))
	r.GET("/claims/:subjectId", LookupHandler(negotiator))
	r.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
}

// SubmitHandler accepts a claim submission with an optional payment proof in
// the X-PAYMENT header. It answers with a payment challenge, the registered
// claim record, or a structured error.
func SubmitHandler(negotiator *bazaar.Negotiator, opts ...Options) echo.HandlerFunc {
	options := newHandlerOptions(opts...)

	return func(c echo.Context) error {
		var sub bazaar.ClaimSubmission
		if err := c.Bind(&sub); err != nil {
			bindErr := bazaar.NewError(bazaar.ErrCodeInvalidSubmission,
				"request body is not a valid claim submission", nil)
			return c.JSON(http.StatusBadRequest, bazaarhttp.ErrorBody(bindErr, nil))
		}

		var proof *bazaar.PaymentProof
		if header := c.Request().Header.Get(bazaarhttp.HeaderPayment); header != "" {
			decoded, err := bazaarhttp.ValidateAndDecodePaymentHeader(header)
			if err != nil {
				return writeChallenge(c, negotiator.Challenge(challengeMessage(err)), options)
			}
			proof = decoded
		}

		result, err := negotiator.Negotiate(c.Request().Context(), &sub, proof)
		if err != nil {
			var record *bazaar.ClaimRecord
			if result != nil {
				record = result.Record
			}
			status := bazaarhttp.StatusForError(err)
			if status == http.StatusPaymentRequired {
				return c.JSON(status, bazaarhttp.PaymentRequiredBody(err, negotiator.Requirements()))
			}
			return c.JSON(status, bazaarhttp.ErrorBody(err, record))
		}

		if result.Challenge != nil {
			return writeChallenge(c, result.Challenge, options)
		}

		if result.Receipt != nil {
			encoded, err := result.Receipt.EncodeToBase64String()
			if err != nil {
				return c.JSON(http.StatusInternalServerError, bazaarhttp.ErrorBody(err, nil))
			}
			c.Response().Header().Set(bazaarhttp.HeaderPaymentResponse, encoded)
		}

		return c.JSON(http.StatusOK, result.Record)
	}
}

// LookupHandler returns the current claim record for a subject id.
func LookupHandler(negotiator *bazaar.Negotiator) echo.HandlerFunc {
	return func(c echo.Context) error {
		record, err := negotiator.Lookup(c.Request().Context(), c.Param("subjectId"))
		if err != nil {
			return c.JSON(bazaarhttp.StatusForError(err), bazaarhttp.ErrorBody(err, nil))
		}
		return c.JSON(http.StatusOK, record)
	}
}

// writeChallenge answers payment-required: HTML for browsers when a paywall
// is configured, the machine-readable challenge otherwise.
func writeChallenge(c echo.Context, challenge *bazaar.PaymentChallenge, options *HandlerOptions) error {
	req := c.Request()
	if isWebBrowser(req.Header.Get("Accept"), req.Header.Get("User-Agent")) {
		html := options.CustomPaywallHTML
		if html == "" && options.Paywall != nil {
			html = options.Paywall.GenerateHTML(challenge, options.PaywallConfig)
		}
		if html != "" {
			return c.HTML(http.StatusPaymentRequired, html)
		}
	}
	return c.JSON(http.StatusPaymentRequired, challenge)
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
