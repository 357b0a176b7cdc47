// Package mcp exposes the claim registry to MCP agents. AddTools registers
// two tools on a github.com/modelcontextprotocol/go-sdk server:
//
//   - submit_claim: registers an identity claim, gated by payment. The
//     payment proof rides in the request _meta under "bazaar/payment"; the
//     receipt comes back in the result _meta under "bazaar/payment-response".
//     A submission that still owes payment gets a challenge as structured
//     content instead of a record.
//   - lookup_claim: returns the claim record for a subject id.
//
// Client wraps an MCP session with the pay-and-retry loop: a challenge
// result triggers a proof build and a single paid retry, mirroring the
// HTTP RetryClient.
//
//	session, _ := mcpClient.Connect(ctx, transport, nil)
//	client := mcp.NewClient(session, proofs)
//	record, receipt, err := client.SubmitClaim(ctx, submission)
package mcp
