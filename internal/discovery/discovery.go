// Package discovery resolves the upstream authorization server's metadata via
// OIDC discovery. The gateway mirrors this metadata on its own well-known
// endpoints and uses the advertised jwks_uri to seed the key set cache.
package discovery

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Metadata is the subset of RFC 8414 authorization server metadata the
// gateway consumes and re-advertises.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ServiceDocumentation              string   `json:"service_documentation"`
}

// Resolve performs OIDC discovery against the issuer and extracts the
// metadata the gateway needs. It fails when the upstream omits any of the
// endpoints the gateway depends on.
func Resolve(ctx context.Context, issuer string) (*Metadata, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %q: %w", issuer, err)
	}

	var meta Metadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("unexpected or invalid authorization server metadata: %w", err)
	}

	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("authorization server %q does not advertise a jwks_uri", issuer)
	}
	if meta.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("authorization server %q does not advertise an authorization_endpoint", issuer)
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization server %q does not advertise a token_endpoint", issuer)
	}

	return &meta, nil
}
