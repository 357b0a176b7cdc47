package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	bazaarhttp "github.com/ClarenceL/infinite-bazaar-demo-sub002/http"
)

// Tool names registered by AddTools.
const (
	ToolSubmitClaim = "submit_claim"
	ToolLookupClaim = "lookup_claim"
)

// AddTools registers the claim registry tools on the MCP server. Both tools
// delegate to the negotiator; the server carries no registration state of
// its own.
func AddTools(server *mcpsdk.Server, negotiator *bazaar.Negotiator) {
	server.AddTool(&mcpsdk.Tool{
		Name: ToolSubmitClaim,
		Description: "Register an identity claim for a subject. Requires payment: " +
			"a call without a proof returns a payment challenge, resubmit with the " +
			"proof in _meta[\"" + PaymentMetaKey + "\"].",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"subjectId": {"type": "string", "description": "Stable identifier of the subject making the claim"},
				"claimType": {"type": "string", "description": "Kind of claim: genesis, identity, or attestation"},
				"payload": {"type": "object", "description": "The claim content, registered verbatim"}
			},
			"required": ["subjectId", "claimType", "payload"]
		}`),
	}, SubmitClaimHandler(negotiator))

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolLookupClaim,
		Description: "Return the registered claim record for a subject id.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"subjectId": {"type": "string", "description": "Subject id to look up"}
			},
			"required": ["subjectId"]
		}`),
	}, LookupClaimHandler(negotiator))
}

// SubmitClaimHandler returns the submit_claim tool handler. It mirrors the
// HTTP submit endpoint: challenge when payment is owed, record on success,
// structured error otherwise.
func SubmitClaimHandler(negotiator *bazaar.Negotiator) func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var sub bazaar.ClaimSubmission
		if req.Params.Arguments != nil {
			if err := json.Unmarshal(req.Params.Arguments, &sub); err != nil {
				bindErr := bazaar.NewError(bazaar.ErrCodeInvalidSubmission,
					"tool arguments are not a valid claim submission", nil)
				return errorResult(bindErr, nil)
			}
		}

		meta := map[string]interface{}{}
		if req.Params.Meta != nil {
			meta = req.Params.Meta.GetMeta()
		}
		proof, err := ProofFromMeta(meta)
		if err != nil {
			return challengeResult(negotiator.Challenge(challengeMessage(err)))
		}

		result, err := negotiator.Negotiate(ctx, &sub, proof)
		if err != nil {
			var record *bazaar.ClaimRecord
			if result != nil {
				record = result.Record
			}
			if bazaarhttp.StatusForError(err) == http.StatusPaymentRequired {
				return paymentRequiredResult(err, negotiator.Requirements())
			}
			return errorResult(err, record)
		}

		if result.Challenge != nil {
			return challengeResult(result.Challenge)
		}

		toolResult, err := recordResult(result.Record)
		if err != nil {
			return nil, err
		}
		if result.Receipt != nil {
			receipt, err := toWireObject(result.Receipt)
			if err != nil {
				return nil, fmt.Errorf("encode payment receipt: %w", err)
			}
			toolResult.Meta = mcpsdk.Meta{PaymentResponseMetaKey: receipt}
		}
		return toolResult, nil
	}
}

// LookupClaimHandler returns the lookup_claim tool handler.
func LookupClaimHandler(negotiator *bazaar.Negotiator) func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			SubjectID string `json:"subjectId"`
		}
		if req.Params.Arguments != nil {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				bindErr := bazaar.NewError(bazaar.ErrCodeInvalidSubmission,
					"tool arguments must carry a subjectId", nil)
				return errorResult(bindErr, nil)
			}
		}

		record, err := negotiator.Lookup(ctx, args.SubjectID)
		if err != nil {
			return errorResult(err, nil)
		}
		return recordResult(record)
	}
}

// challengeResult carries a payment challenge back as a dual-format error
// result: structured content for tooling, the same JSON as text for agents
// that only read text.
func challengeResult(challenge *bazaar.PaymentChallenge) (*mcpsdk.CallToolResult, error) {
	body, err := toWireObject(challenge)
	if err != nil {
		return nil, fmt.Errorf("encode payment challenge: %w", err)
	}
	return newToolResult(body, true)
}

// paymentRequiredResult carries a payment error with the accepted options so
// an agent holding another wallet can still pay.
func paymentRequiredResult(cause error, accepts []bazaar.PaymentRequirement) (*mcpsdk.CallToolResult, error) {
	return newToolResult(bazaarhttp.PaymentRequiredBody(cause, accepts), true)
}

func errorResult(cause error, record *bazaar.ClaimRecord) (*mcpsdk.CallToolResult, error) {
	return newToolResult(bazaarhttp.ErrorBody(cause, record), true)
}

func recordResult(record *bazaar.ClaimRecord) (*mcpsdk.CallToolResult, error) {
	body, err := toWireObject(record)
	if err != nil {
		return nil, fmt.Errorf("encode claim record: %w", err)
	}
	return newToolResult(body, false)
}

func newToolResult(body map[string]interface{}, isError bool) (*mcpsdk.CallToolResult, error) {
	text, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		StructuredContent: body,
		IsError:           isError,
	}, nil
}

// toWireObject round-trips a value through JSON into a generic map so the
// structured content matches the wire encoding exactly.
func toWireObject(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func challengeMessage(err error) string {
	var typed *bazaar.Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}
