package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evenscribe/umem-gateway/internal/keyset"
)

// DefaultLeeway is the clock-skew tolerance applied to time-based claims when
// the config does not override it.
const DefaultLeeway = 60 * time.Second

// ValidatorConfig controls token validation policy.
type ValidatorConfig struct {
	// Audience is the expected aud claim. Validation of the audience is
	// always enforced; a token minted for another resource must not be
	// accepted here even if its signature checks out.
	Audience string
	// AllowedAlgs restricts acceptable signing algorithms. Defaults to RS256.
	AllowedAlgs []string
	// Leeway is the clock-skew tolerance. Defaults to DefaultLeeway.
	Leeway time.Duration
}

// Validator validates compact JWS access tokens against a cached JWKS.
// Each failure is classified by the first validation step that rejected the
// token, so logs can distinguish a rotated key from a forged signature.
type Validator struct {
	keys        *keyset.Cache
	audience    string
	allowedAlgs []string
	leeway      time.Duration
}

var _ TokenValidator = (*Validator)(nil)

// NewValidator constructs a Validator reading keys from the given cache.
func NewValidator(keys *keyset.Cache, cfg ValidatorConfig) *Validator {
	v := &Validator{
		keys:        keys,
		audience:    cfg.Audience,
		allowedAlgs: cfg.AllowedAlgs,
		leeway:      cfg.Leeway,
	}
	if len(v.allowedAlgs) == 0 {
		v.allowedAlgs = []string{"RS256"}
	}
	if v.leeway == 0 {
		v.leeway = DefaultLeeway
	}
	return v
}

// Validate checks the token in order: structural parse, key resolution,
// algorithm agreement, signature, time validity, then audience. The first
// failing step determines the error code; later steps are not attempted.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)

	// Peek at the header before verifying anything so key-resolution failures
	// classify separately from signature failures.
	unverified, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, newError(CodeMalformedToken, err)
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, newError(CodeMalformedToken, errors.New("token header has no kid"))
	}

	set := v.keys.Current()
	if set == nil {
		return nil, newError(CodeUnknownKey, keyset.ErrNoKeySet)
	}
	key, ok := set.Lookup(kid)
	if !ok {
		return nil, newError(CodeUnknownKey, fmt.Errorf("kid %q not in key set", kid))
	}

	alg := unverified.Method.Alg()
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, newError(CodeAlgorithmMismatch, fmt.Errorf("token alg %s, key alg %s", alg, key.Algorithm))
	}
	if !contains(v.allowedAlgs, alg) {
		return nil, newError(CodeAlgorithmMismatch, fmt.Errorf("alg %s not allowed", alg))
	}

	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		return key.Key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, newError(CodeExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, newError(CodeBadSignature, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, newError(CodeMalformedToken, err)
		default:
			return nil, newError(CodeBadSignature, err)
		}
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, newError(CodeMalformedToken, errors.New("unexpected claims type"))
	}

	aud := normalizeAudience(mapClaims["aud"])
	if v.audience != "" && !contains(aud, v.audience) {
		return nil, newError(CodeAudienceMismatch, fmt.Errorf("token audience %v does not include %q", aud, v.audience))
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return nil, newError(CodeMalformedToken, errors.New("token has no sub claim"))
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, newError(CodeMalformedToken, errors.New("token has no usable exp claim"))
	}

	return &Claims{
		Subject:  sub,
		Expiry:   exp.Time,
		Audience: aud,
		raw:      mapClaims,
	}, nil
}

func normalizeAudience(aud any) []string {
	switch v := aud.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
