package hypercore

import (
	"encoding/json"
	"fmt"
)

// ActionTypeSendAsset is the only action type the exact scheme accepts.
const ActionTypeSendAsset = "sendAsset"

// AssetInfo describes a spot asset on a Hyperliquid chain. Token follows
// Hyperliquid's "SYMBOL:0x…" identifier form.
type AssetInfo struct {
	Token    string
	Name     string
	Decimals int
}

// RailConfig holds the per-chain settings for a hypercore rail. Chain is the
// hyperliquidChain value carried inside signed actions.
type RailConfig struct {
	Chain        string
	DefaultAsset AssetInfo
}

// SpotDex routes both legs of a transfer through the spot ledger.
const SpotDex = "spot"

// SendAssetAction is the Hyperliquid spot transfer the payer signs. The
// amount is a decimal string in the token's display units; the nonce is a
// millisecond timestamp chosen by the payer and is Hyperliquid's own replay
// guard.
type SendAssetAction struct {
	Type             string `json:"type"`
	HyperliquidChain string `json:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId"`
	Destination      string `json:"destination"`
	SourceDex        string `json:"sourceDex"`
	DestinationDex   string `json:"destinationDex"`
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	FromSubAccount   string `json:"fromSubAccount"`
	Nonce            int64  `json:"nonce"`
}

// ExactPayload is the rail-specific payload carried inside a payment proof
// for the exact scheme.
type ExactPayload struct {
	Signature string          `json:"signature"`
	Action    SendAssetAction `json:"action"`
}

// ToMap converts the payload to the generic map shape proofs carry on the wire.
func (p *ExactPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"action": map[string]interface{}{
			"type":             p.Action.Type,
			"hyperliquidChain": p.Action.HyperliquidChain,
			"signatureChainId": p.Action.SignatureChainID,
			"destination":      p.Action.Destination,
			"sourceDex":        p.Action.SourceDex,
			"destinationDex":   p.Action.DestinationDex,
			"token":            p.Action.Token,
			"amount":           p.Action.Amount,
			"fromSubAccount":   p.Action.FromSubAccount,
			"nonce":            p.Action.Nonce,
		},
	}
}

// ExactPayloadFromMap parses the generic proof payload map into an
// ExactPayload. Returns an error when required fields are missing or of the
// wrong type; signature absence is reported by the caller, not here.
func ExactPayloadFromMap(data map[string]interface{}) (*ExactPayload, error) {
	payload := &ExactPayload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	action, ok := data["action"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid action field")
	}

	fields := map[string]*string{
		"type":             &payload.Action.Type,
		"hyperliquidChain": &payload.Action.HyperliquidChain,
		"signatureChainId": &payload.Action.SignatureChainID,
		"destination":      &payload.Action.Destination,
		"sourceDex":        &payload.Action.SourceDex,
		"destinationDex":   &payload.Action.DestinationDex,
		"token":            &payload.Action.Token,
		"amount":           &payload.Action.Amount,
		"fromSubAccount":   &payload.Action.FromSubAccount,
	}
	for name, target := range fields {
		value, ok := action[name].(string)
		if !ok {
			return nil, fmt.Errorf("missing or invalid action.%s field", name)
		}
		*target = value
	}

	nonce, err := nonceFromValue(action["nonce"])
	if err != nil {
		return nil, err
	}
	payload.Action.Nonce = nonce

	return payload, nil
}

// nonceFromValue accepts the integer shapes a nonce takes depending on
// whether the payload came through a JSON decoder.
func nonceFromValue(value interface{}) (int64, error) {
	switch n := value.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("missing or invalid action.nonce field")
	}
}
