// Package bazaar implements a payment-gated identity claim registry.
//
// Agents submit signed identity claims keyed by a stable subject identifier.
// Each submission is gated by a micropayment: the server answers unpaid
// requests with a machine-readable payment challenge, verifies attached
// payment proofs against a facilitator, uploads the claim payload to a
// content-addressed store, broadcasts a registration transaction to an
// external ledger, and records the result in a durable claim ledger that
// guarantees at most one registered claim per subject.
//
// The root package holds the protocol core: wire types, the challenge
// negotiator, the submission coordinator, the claim ledger contract with an
// in-memory implementation, and the rail registries used to build and verify
// payment proofs. Rail mechanisms live under mechanisms/, durable ledger
// backends under claimstore/, transport adapters under pkg/ and mcp/, and the
// client-side retry orchestrator under http/.
package bazaar
