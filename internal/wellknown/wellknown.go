// Package wellknown serves the OAuth discovery documents consumed by clients
// bootstrapping against the gateway: RFC 9728 protected resource metadata and
// RFC 8414 authorization server metadata. Both endpoints are stateless, are
// readable cross-origin, and answer OPTIONS preflights.
package wellknown

import (
	"encoding/json"
	"net/http"
)

// ProtectedResourceMetadataPath and AuthServerMetadataPath are the canonical
// mount points for the two documents.
const (
	ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"
	AuthServerMetadataPath        = "/.well-known/oauth-authorization-server"
)

// ProtectedResourceMetadata is the RFC 9728 document describing this gateway
// as an OAuth protected resource.
type ProtectedResourceMetadata struct {
	Resource                           string   `json:"resource"`
	AuthorizationServers               []string `json:"authorization_servers,omitempty"`
	JwksURI                            string   `json:"jwks_uri,omitempty"`
	ScopesSupported                    []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported             []string `json:"bearer_methods_supported,omitempty"`
	ResourceName                       string   `json:"resource_name,omitempty"`
	ResourceDocumentation              string   `json:"resource_documentation,omitempty"`
	AuthorizationDetailsTypesSupported []string `json:"authorization_details_types_supported,omitempty"`
}

// AuthServerMetadata is the RFC 8414 document pointing clients at the
// upstream authorization server. The gateway mirrors the upstream's metadata;
// it does not act as an authorization server itself.
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ServiceDocumentation              string   `json:"service_documentation,omitempty"`
}

// Handler serves the two metadata documents. The documents are computed once
// at construction and never mutated, so the handler is safe for unbounded
// concurrent readers.
type Handler struct {
	prm RawDocument
	asm RawDocument
}

// RawDocument is a pre-encoded JSON document.
type RawDocument []byte

// NewHandler pre-encodes both documents. Encoding failures are construction
// errors because the documents are static.
func NewHandler(prm ProtectedResourceMetadata, asm AuthServerMetadata) (*Handler, error) {
	prmDoc, err := json.Marshal(prm)
	if err != nil {
		return nil, err
	}
	asmDoc, err := json.Marshal(asm)
	if err != nil {
		return nil, err
	}
	return &Handler{prm: prmDoc, asm: asmDoc}, nil
}

// Register mounts the GET and OPTIONS routes on mux. OPTIONS serves the same
// document as GET so preflighted and non-preflighted clients see one shape.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+ProtectedResourceMetadataPath, h.serveDocument(h.prm))
	mux.HandleFunc("OPTIONS "+ProtectedResourceMetadataPath, h.serveDocument(h.prm))
	mux.HandleFunc("GET "+AuthServerMetadataPath, h.serveDocument(h.asm))
	mux.HandleFunc("OPTIONS "+AuthServerMetadataPath, h.serveDocument(h.asm))
}

func (h *Handler) serveDocument(doc RawDocument) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}
}
