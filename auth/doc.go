// Package auth provides bearer token (JWT) verification for the gateway.
// Every protected request passes through the same pipeline: extract the
// Authorization header, validate the compact JWS against the cached JWKS,
// and bind the token's subject to the request context.
//
// The public surface stays small: a TokenValidator turns a raw token string
// into Claims or a typed *Error, and Middleware maps those errors onto
// RFC 6750 Bearer challenges. Every validation failure produces the same
// HTTP 401 shape; which step failed is visible only in the gateway's logs,
// never to the caller.
//
// Example:
//
//	validator := auth.NewValidator(keys, auth.ValidatorConfig{
//	    Audience: "https://mcp.example",
//	})
//	mw := auth.NewMiddleware(validator, resourceMetadataURL, logger)
//	mux.Handle("/mcp", mw.Wrap(mcpHandler))
//
// Handlers downstream of the middleware recover the authenticated subject
// with SubjectFromContext or MustSubject.
package auth
