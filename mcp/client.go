package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// Session is the slice of an MCP client session the paying client needs.
// *mcpsdk.ClientSession satisfies it.
type Session interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// Client wraps an MCP session with payment handling. A tool call that comes
// back as a payment challenge is retried once with a freshly built proof in
// the request _meta.
type Client struct {
	session Session
	proofs  *bazaar.ProofClient
}

// NewClient creates a paying MCP client over a connected session.
func NewClient(session Session, proofs *bazaar.ProofClient) *Client {
	return &Client{session: session, proofs: proofs}
}

// CallTool calls a tool, paying a challenge if one comes back. The result of
// the paid retry is returned as-is; a second challenge means the payment was
// not accepted and surfaces as an error alongside the result.
func (c *Client) CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	result, err := c.session.CallTool(ctx, params)
	if err != nil {
		return nil, err
	}

	challenge, err := ChallengeFromResult(result)
	if err != nil {
		return result, err
	}
	if challenge == nil {
		return result, nil
	}

	proof, _, err := c.proofs.BuildProof(ctx, challenge)
	if err != nil {
		return result, fmt.Errorf("build payment proof: %w", err)
	}

	meta := map[string]interface{}{}
	if params.Meta != nil {
		meta = params.Meta.GetMeta()
	}
	paid := &mcpsdk.CallToolParams{
		Name:      params.Name,
		Arguments: params.Arguments,
		Meta:      mcpsdk.Meta(AttachProofToMeta(meta, proof)),
	}

	retried, err := c.session.CallTool(ctx, paid)
	if err != nil {
		return nil, err
	}
	if again, err := ChallengeFromResult(retried); err != nil {
		return retried, err
	} else if again != nil {
		return retried, fmt.Errorf("payment was not accepted: %s", again.Error)
	}
	return retried, nil
}

// SubmitClaim registers a claim through the submit_claim tool, paying the
// challenge when one comes back. On success it returns the claim record and
// the receipt for the payment recorded on it.
func (c *Client) SubmitClaim(ctx context.Context, sub *bazaar.ClaimSubmission) (*bazaar.ClaimRecord, *bazaar.PaymentReceipt, error) {
	result, err := c.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      ToolSubmitClaim,
		Arguments: sub,
	})
	if err != nil {
		return nil, nil, err
	}
	if result.IsError {
		return nil, nil, errorFromResult(result)
	}

	record, err := recordFromResult(result)
	if err != nil {
		return nil, nil, err
	}
	receipt, err := ReceiptFromResult(result)
	if err != nil {
		return nil, nil, err
	}
	return record, receipt, nil
}

// LookupClaim fetches the claim record for a subject id. A missing claim
// surfaces as a typed claim-not-found error.
func (c *Client) LookupClaim(ctx context.Context, subjectID string) (*bazaar.ClaimRecord, error) {
	result, err := c.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      ToolLookupClaim,
		Arguments: map[string]interface{}{"subjectId": subjectID},
	})
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, errorFromResult(result)
	}
	return recordFromResult(result)
}

// errorFromResult rebuilds the typed error an error result carries.
func errorFromResult(result *mcpsdk.CallToolResult) error {
	body := resultBody(result)
	if body == nil {
		return errors.New("tool call failed")
	}

	message := "tool call failed"
	if text, ok := body["error"].(string); ok && text != "" {
		message = text
	}
	code, _ := body["code"].(string)
	if code == "" {
		return errors.New(message)
	}
	detail, _ := body["detail"].(map[string]interface{})
	return bazaar.NewError(code, message, detail)
}

// recordFromResult decodes the claim record from a success result.
func recordFromResult(result *mcpsdk.CallToolResult) (*bazaar.ClaimRecord, error) {
	body, ok := result.StructuredContent.(map[string]interface{})
	if !ok {
		body = resultBody(result)
	}
	if body == nil {
		return nil, errors.New("tool result carries no claim record")
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	var record bazaar.ClaimRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse claim record: %w", err)
	}
	if record.SubjectID == "" {
		return nil, errors.New("tool result carries no claim record")
	}
	return &record, nil
}
