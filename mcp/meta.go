package mcp

import (
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
)

// MCP _meta keys for the payment exchange. They mirror the X-PAYMENT and
// X-PAYMENT-RESPONSE headers of the HTTP transport.
const (
	// PaymentMetaKey carries the payment proof, client to server.
	PaymentMetaKey = "bazaar/payment"

	// PaymentResponseMetaKey carries the payment receipt, server to client.
	PaymentResponseMetaKey = "bazaar/payment-response"
)

// ProofFromMeta extracts the payment proof from a request _meta map. A
// missing key means no payment was offered and returns nil without error;
// a present but unusable value is a malformed proof.
func ProofFromMeta(meta map[string]interface{}) (*bazaar.PaymentProof, error) {
	raw, ok := meta[PaymentMetaKey]
	if !ok || raw == nil {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, bazaar.NewError(bazaar.ErrCodeMalformedProof,
			"payment metadata is not encodable", nil)
	}
	var proof bazaar.PaymentProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, bazaar.NewError(bazaar.ErrCodeMalformedProof,
			"payment metadata is not a valid proof", nil)
	}
	if proof.Version != bazaar.ProtocolVersion {
		return nil, bazaar.NewError(bazaar.ErrCodeMalformedProof,
			"unsupported proof version",
			map[string]interface{}{"version": proof.Version})
	}
	if err := proof.ValidateShape(); err != nil {
		return nil, err
	}
	return &proof, nil
}

// AttachProofToMeta returns a copy of meta with the proof attached under the
// payment key. The input map is not modified.
func AttachProofToMeta(meta map[string]interface{}, proof *bazaar.PaymentProof) map[string]interface{} {
	merged := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		merged[k] = v
	}
	merged[PaymentMetaKey] = proof
	return merged
}

// ReceiptFromResult extracts the payment receipt from a tool result _meta.
// Results without one return nil.
func ReceiptFromResult(result *mcpsdk.CallToolResult) (*bazaar.PaymentReceipt, error) {
	if result == nil || result.Meta == nil {
		return nil, nil
	}
	raw, ok := result.Meta.GetMeta()[PaymentResponseMetaKey]
	if !ok || raw == nil {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode payment response metadata: %w", err)
	}
	var receipt bazaar.PaymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("parse payment response metadata: %w", err)
	}
	return &receipt, nil
}

// ChallengeFromResult decides whether an error result is a payable challenge.
// It returns the challenge when the result carries payment options, a typed
// error when the body says the payment was rejected, and (nil, nil) for
// everything else. Both the structured content and the text content are
// tried, in that order.
func ChallengeFromResult(result *mcpsdk.CallToolResult) (*bazaar.PaymentChallenge, error) {
	if result == nil || !result.IsError {
		return nil, nil
	}

	body := resultBody(result)
	if body == nil {
		return nil, nil
	}

	if code, ok := body["code"].(string); ok && code == bazaar.ErrCodePaymentRejected {
		message := "payment rejected"
		if text, ok := body["error"].(string); ok && text != "" {
			message = text
		}
		return nil, bazaar.NewError(bazaar.ErrCodePaymentRejected, message, nil)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil
	}
	var challenge bazaar.PaymentChallenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return nil, nil
	}
	if challenge.Version == 0 || len(challenge.Accepts) == 0 {
		return nil, nil
	}
	return &challenge, nil
}

// resultBody recovers the JSON object a result carries, preferring the
// structured content over the first text item.
func resultBody(result *mcpsdk.CallToolResult) map[string]interface{} {
	if obj, ok := result.StructuredContent.(map[string]interface{}); ok {
		return obj
	}
	for _, item := range result.Content {
		text, ok := item.(*mcpsdk.TextContent)
		if !ok || text.Text == "" {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(text.Text), &obj); err == nil {
			return obj
		}
	}
	return nil
}
