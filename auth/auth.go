package auth

import (
	"context"
	"encoding/json"
	"time"
)

// Claims carries the validated identity extracted from an access token.
// It is immutable after construction and safe for concurrent use.
type Claims struct {
	// Subject is the token's sub claim. It is never empty on a validated token.
	Subject string
	// Expiry is the token's exp claim.
	Expiry time.Time
	// Audience is the token's aud claim, normalized to a slice.
	Audience []string

	raw map[string]any
}

// Decode unmarshals the full raw claim set into ref, for callers that need
// claims beyond the standard ones.
func (c *Claims) Decode(ref any) error {
	b, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// TokenValidator validates a raw bearer token and returns its claims.
// Implementations must perform signature, algorithm, time, and audience
// validation, and return a *Error for every failure.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

type subjectKey struct{}

// WithSubject returns a context carrying the authenticated subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject bound by the
// middleware, or false when the request never passed through it.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

// MustSubject returns the authenticated subject and panics when absent.
// Reaching a protected handler without a subject is a wiring bug, not a
// runtime condition to tolerate.
func MustSubject(ctx context.Context) string {
	s, ok := SubjectFromContext(ctx)
	if !ok {
		panic("auth: no authenticated subject in context; handler mounted outside the auth middleware")
	}
	return s
}
