// Package gin exposes the claim registry over a gin router. The handlers are
// thin wrappers around the negotiator; all registration semantics live below
// the transport.
package gin

import (
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

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

// Routes mounts the claim registry endpoints on the router: claim submission,
// claim lookup, and a liveness probe.
func Routes(r gin.IRouter, negotiator *bazaar.Negotiator, opts ...Options) {
	r.POST("/claims", SubmitHandler(negotiator, opts...))
	r.GET("/claims/:subjectId", LookupHandler(negotiator))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// SubmitHandler accepts a claim submission with an optional payment proof in
// the X-PAYMENT header. It answers with a payment challenge, the registered
// claim record, or a structured error.
func SubmitHandler(negotiator *bazaar.Negotiator, opts ...Options) gin.HandlerFunc {
	options := newHandlerOptions(opts...)

	return func(c *gin.Context) {
		var sub bazaar.ClaimSubmission
		if err := c.ShouldBindJSON(&sub); err != nil {
			bindErr := bazaar.NewError(bazaar.ErrCodeInvalidSubmission,
				"request body is not a valid claim submission", nil)
			c.JSON(http.StatusBadRequest, bazaarhttp.ErrorBody(bindErr, nil))
			return
		}

		var proof *bazaar.PaymentProof
		if header := c.GetHeader(bazaarhttp.HeaderPayment); header != "" {
			decoded, err := bazaarhttp.ValidateAndDecodePaymentHeader(header)
			if err != nil {
				writeChallenge(c, negotiator.Challenge(challengeMessage(err)), options)
				return
			}
			proof = decoded
		}

		result, err := negotiator.Negotiate(c.Request.Context(), &sub, proof)
		if err != nil {
			var record *bazaar.ClaimRecord
			if result != nil {
				record = result.Record
			}
			status := bazaarhttp.StatusForError(err)
			if status == http.StatusPaymentRequired {
				c.JSON(status, bazaarhttp.PaymentRequiredBody(err, negotiator.Requirements()))
				return
			}
			c.JSON(status, bazaarhttp.ErrorBody(err, record))
			return
		}

		if result.Challenge != nil {
			writeChallenge(c, result.Challenge, options)
			return
		}

		if result.Receipt != nil {
			encoded, err := result.Receipt.EncodeToBase64String()
			if err != nil {
				c.JSON(http.StatusInternalServerError, bazaarhttp.ErrorBody(err, nil))
				return
			}
			c.Header(bazaarhttp.HeaderPaymentResponse, encoded)
		}

		c.JSON(http.StatusOK, result.Record)
	}
}

// LookupHandler returns the current claim record for a subject id.
func LookupHandler(negotiator *bazaar.Negotiator) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := negotiator.Lookup(c.Request.Context(), c.Param("subjectId"))
		if err != nil {
			c.JSON(bazaarhttp.StatusForError(err), bazaarhttp.ErrorBody(err, nil))
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// writeChallenge answers payment-required: HTML for browsers when a paywall
// is configured, the machine-readable challenge otherwise.
func writeChallenge(c *gin.Context, challenge *bazaar.PaymentChallenge, options *HandlerOptions) {
	if isWebBrowser(c.GetHeader("Accept"), c.GetHeader("User-Agent")) {
		html := options.CustomPaywallHTML
		if html == "" && options.Paywall != nil {
			html = options.Paywall.GenerateHTML(challenge, options.PaywallConfig)
		}
		if html != "" {
			c.Data(http.StatusPaymentRequired, "text/html; charset=utf-8", []byte(html))
			return
		}
	}
	c.JSON(http.StatusPaymentRequired, challenge)
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

// AmountToAssetUnits converts a human-readable amount into base units using
// the token's decimals.
func AmountToAssetUnits(amount *big.Float, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaleFloat := new(big.Float).SetPrec(256).SetInt(scale)
	amountFloat := new(big.Float).SetPrec(256).Set(amount)
	res, _ := new(big.Float).Mul(amountFloat, scaleFloat).Int(nil)
	return res
}
