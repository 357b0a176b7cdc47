package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// Operation describes one paid operation: where it lives, the payments it
// accepts, and the schemas its inputs must match.
type Operation struct {
	Resource    string `json:"resource"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`

	// Accepts lists the payment requirements the operation accepts, in the
	// same form the payment challenge carries them.
	Accepts []bazaar.PaymentRequirement `json:"accepts,omitempty"`

	// InputSchema is the JSON schema of the request body.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// PayloadSchemas maps claim types to the schema their payloads must
	// match, mirroring the schemas registered on the submission validator.
	PayloadSchemas map[string]json.RawMessage `json:"payloadSchemas,omitempty"`
}

// Catalog is the discovery document served to clients.
type Catalog struct {
	Service    string      `json:"service"`
	Version    int         `json:"version"`
	Operations []Operation `json:"operations"`
}

// NewCatalog creates an empty catalog for the named service.
func NewCatalog(service string) *Catalog {
	return &Catalog{Service: service, Version: bazaar.ProtocolVersion}
}

// Add appends an operation to the catalog. Chainable.
func (c *Catalog) Add(op Operation) *Catalog {
	c.Operations = append(c.Operations, op)
	return c
}

// ValidationResult reports whether a document matches an advertised schema.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ValidateInput checks a request body against the operation's input schema.
// Operations without a schema accept anything.
func (op Operation) ValidateInput(input []byte) ValidationResult {
	return validateAgainst(op.InputSchema, input)
}

// ValidatePayload checks a claim payload against the schema advertised for
// its claim type. Types without a schema accept anything.
func (op Operation) ValidatePayload(claimType string, payload []byte) ValidationResult {
	return validateAgainst(op.PayloadSchemas[claimType], payload)
}

func validateAgainst(schema json.RawMessage, doc []byte) ValidationResult {
	if len(schema) == 0 {
		return ValidationResult{Valid: true}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return ValidationResult{
			Errors: []string{fmt.Sprintf("schema validation failed: %v", err)},
		}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{Errors: errors}
}

// SubmissionSchema returns the JSON schema of the claim submission envelope.
// It advertises the structural checks every submission goes through; the
// payload itself may be any JSON document unless the claim type publishes
// its own schema.
func SubmissionSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["subjectId", "claimType", "payload"],
		"properties": {
			"subjectId": {"type": "string", "minLength": 1},
			"claimType": {"type": "string", "minLength": 1},
			"payload": {}
		}
	}`)
}
