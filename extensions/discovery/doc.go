// Package discovery serves a machine-readable catalog of a registry's paid
// operations.
//
// A payment challenge tells an agent what an operation costs only after the
// agent has tried it. The catalog answers the same questions up front: which
// resources the service exposes, the payments each one accepts, and the JSON
// schemas submissions must match. A client can validate a submission against
// the advertised schema locally before spending anything on it.
//
// Usage:
//
//	catalog := discovery.NewCatalog("bazaar-claims").
//		Add(discovery.Operation{
//			Resource:    "/claims",
//			Method:      http.MethodPost,
//			Description: "register a claim for a subject",
//			Accepts:     negotiator.Requirements(),
//			InputSchema: discovery.SubmissionSchema(),
//		})
//
//	mux.Handle("/discovery", catalog.Handler())
//
// The handler is framework-neutral; on a gin router mount it with
// gin.WrapH(catalog.Handler()).
package discovery
