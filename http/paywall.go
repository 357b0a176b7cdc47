package http

import (
	"html/template"
	"strings"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// ============================================================================
// Paywall Provider Interfaces
// ============================================================================

// PaywallConfig customizes the rendered paywall page.
type PaywallConfig struct {
	Title       string
	Description string
}

// PaywallProvider generates HTML for browser-facing payment-required
// responses. Register a custom implementation to override the built-in
// EVM/SVM templates.
type PaywallProvider interface {
	GenerateHTML(challenge *bazaar.PaymentChallenge, config *PaywallConfig) string
}

// PaywallRailHandler handles paywall HTML generation for a specific rail
// family. Used with PaywallBuilder to compose rail-specific handlers into a
// single PaywallProvider.
type PaywallRailHandler interface {
	// Supports returns true if this handler can generate HTML for the given
	// payment requirement.
	Supports(requirement bazaar.PaymentRequirement) bool

	// GenerateHTML generates the paywall HTML for the given requirement.
	GenerateHTML(requirement bazaar.PaymentRequirement, challenge *bazaar.PaymentChallenge, config *PaywallConfig) string
}

// ============================================================================
// Built-in Rail Handlers
// ============================================================================

// EVMPaywallHandler generates paywall HTML for EVM rails (eip155:*).
type EVMPaywallHandler struct{}

// Supports returns true for EVM rails (eip155:* CAIP-2 identifiers).
func (h *EVMPaywallHandler) Supports(requirement bazaar.PaymentRequirement) bool {
	return strings.HasPrefix(string(requirement.Rail), "eip155:")
}

// GenerateHTML generates paywall HTML using the built-in template.
func (h *EVMPaywallHandler) GenerateHTML(requirement bazaar.PaymentRequirement, challenge *bazaar.PaymentChallenge, config *PaywallConfig) string {
	return renderPaywall("EVM", requirement, challenge, config)
}

// SVMPaywallHandler generates paywall HTML for Solana rails (solana:*).
type SVMPaywallHandler struct{}

// Supports returns true for Solana rails (solana:* CAIP-2 identifiers).
func (h *SVMPaywallHandler) Supports(requirement bazaar.PaymentRequirement) bool {
	return strings.HasPrefix(string(requirement.Rail), "solana:")
}

// GenerateHTML generates paywall HTML using the built-in template.
func (h *SVMPaywallHandler) GenerateHTML(requirement bazaar.PaymentRequirement, challenge *bazaar.PaymentChallenge, config *PaywallConfig) string {
	return renderPaywall("Solana", requirement, challenge, config)
}

// ============================================================================
// Paywall Builder
// ============================================================================

// PaywallBuilder composes multiple PaywallRailHandlers into a single
// PaywallProvider. Add rail handlers and call Build.
type PaywallBuilder struct {
	handlers []PaywallRailHandler
	config   *PaywallConfig
}

// NewPaywallBuilder creates a new PaywallBuilder.
func NewPaywallBuilder() *PaywallBuilder {
	return &PaywallBuilder{}
}

// WithRail adds a rail handler to the builder.
func (b *PaywallBuilder) WithRail(handler PaywallRailHandler) *PaywallBuilder {
	b.handlers = append(b.handlers, handler)
	return b
}

// WithConfig sets the default paywall configuration for the builder.
func (b *PaywallBuilder) WithConfig(config *PaywallConfig) *PaywallBuilder {
	b.config = config
	return b
}

// Build creates a PaywallProvider that dispatches to the first matching rail
// handler.
func (b *PaywallBuilder) Build() PaywallProvider {
	return &compositePaywallProvider{
		handlers: b.handlers,
		config:   b.config,
	}
}

// compositePaywallProvider dispatches to the first handler that supports one
// of the challenge's payment options.
type compositePaywallProvider struct {
	handlers []PaywallRailHandler
	config   *PaywallConfig
}

func (p *compositePaywallProvider) GenerateHTML(challenge *bazaar.PaymentChallenge, config *PaywallConfig) string {
	effectiveConfig := config
	if effectiveConfig == nil {
		effectiveConfig = p.config
	}

	if challenge == nil {
		return ""
	}
	for _, req := range challenge.Accepts {
		for _, handler := range p.handlers {
			if handler.Supports(req) {
				return handler.GenerateHTML(req, challenge, effectiveConfig)
			}
		}
	}

	return ""
}

// DefaultPaywallProvider creates a PaywallProvider with the built-in EVM and
// SVM handlers.
func DefaultPaywallProvider() PaywallProvider {
	return NewPaywallBuilder().
		WithRail(&EVMPaywallHandler{}).
		WithRail(&SVMPaywallHandler{}).
		Build()
}

// ============================================================================
// Template
// ============================================================================

var paywallTemplate = template.Must(template.New("paywall").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; }
code { background: #f4f4f4; padding: 0.1rem 0.3rem; word-break: break-all; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Description}}<p>{{.Description}}</p>{{end}}
{{if .Message}}<p>{{.Message}}</p>{{end}}
<p>Registering this claim requires a payment of <strong>{{.Amount}}</strong> base units
on the {{.RailLabel}} rail <code>{{.Rail}}</code>.</p>
<ul>
{{if .Asset}}<li>Asset: <code>{{.Asset}}</code></li>{{end}}
<li>Pay to: <code>{{.PayTo}}</code></li>
<li>Scheme: <code>{{.Scheme}}</code></li>
</ul>
<p>Resubmit with the payment proof in the <code>X-PAYMENT</code> header.</p>
</body>
</html>
`))

func renderPaywall(railLabel string, requirement bazaar.PaymentRequirement, challenge *bazaar.PaymentChallenge, config *PaywallConfig) string {
	data := struct {
		Title       string
		Description string
		Message     string
		RailLabel   string
		Rail        string
		Scheme      string
		Asset       string
		Amount      string
		PayTo       string
	}{
		Title:     "Payment Required",
		RailLabel: railLabel,
		Rail:      string(requirement.Rail),
		Scheme:    requirement.Scheme,
		Asset:     requirement.Asset,
		Amount:    requirement.Amount,
		PayTo:     requirement.PayTo,
	}
	if challenge != nil {
		data.Message = challenge.Error
	}
	if config != nil {
		if config.Title != "" {
			data.Title = config.Title
		}
		data.Description = config.Description
	}

	var buf strings.Builder
	if err := paywallTemplate.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}
