// Package oauthproxy bridges OAuth clients to the upstream identity
// provider. The gateway fronts a single upstream client registration:
// dynamic registration is accepted and answered with the upstream client id,
// authorize requests are forwarded with the client's redirect target folded
// into state, and token exchanges inject the upstream client secret
// server-side so it never reaches the caller.
package oauthproxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Paths for the proxy endpoints.
const (
	RegisterPath  = "/register"
	AuthorizePath = "/authorize"
	CallbackPath  = "/callback"
	TokenPath     = "/token"
)

// Config wires the proxy to the upstream authorization server. The HTTP
// client is injected so tests can point exchanges at a fake upstream.
type Config struct {
	// ClientID and ClientSecret identify the gateway's registration with the
	// upstream provider.
	ClientID     string
	ClientSecret string

	// AuthorizeEndpoint and TokenEndpoint are the upstream's endpoints from
	// discovery metadata.
	AuthorizeEndpoint string
	TokenEndpoint     string

	// CallbackURL is this gateway's externally reachable callback endpoint,
	// registered with the upstream as the redirect URI.
	CallbackURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ClientRegistration records one dynamic registration. Registrations are
// kept in process memory; the proxy fronts a single upstream client, so the
// registration exists to validate redirect targets, not to mint credentials.
type ClientRegistration struct {
	RegistrationID string    `json:"registration_id"`
	ClientName     string    `json:"client_name,omitempty"`
	RedirectURIs   []string  `json:"redirect_uris"`
	CreatedAt      time.Time `json:"created_at"`
}

// Handler serves the four proxy endpoints.
type Handler struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	mu            sync.RWMutex
	registrations map[string]*ClientRegistration
}

// New constructs the proxy handler.
func New(cfg Config) (*Handler, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.AuthorizeEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("upstream authorize and token endpoints are required")
	}
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("callback URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		cfg:           cfg,
		client:        client,
		log:           log,
		registrations: make(map[string]*ClientRegistration),
	}, nil
}

// Register mounts the proxy routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+RegisterPath, h.handleRegister)
	mux.HandleFunc("GET "+AuthorizePath, h.handleAuthorize)
	mux.HandleFunc("GET "+CallbackPath, h.handleCallback)
	mux.HandleFunc("POST "+TokenPath, h.handleToken)
}

type registrationRequest struct {
	ClientName    string   `json:"client_name"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// handleRegister accepts a dynamic client registration and answers with the
// gateway's upstream client id. A registration with no redirect URIs is
// unusable and rejected.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body must be JSON")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris must be non-empty")
		return
	}
	for _, u := range req.RedirectURIs {
		if strings.TrimSpace(u) == "" {
			oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris must be non-empty")
			return
		}
	}

	reg := &ClientRegistration{
		RegistrationID: uuid.NewString(),
		ClientName:     req.ClientName,
		RedirectURIs:   req.RedirectURIs,
		CreatedAt:      time.Now(),
	}
	h.mu.Lock()
	h.registrations[reg.RegistrationID] = reg
	h.mu.Unlock()

	h.log.Info("oauth.register.ok", slog.String("client_name", req.ClientName))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registrationResponse{
		ClientID:                h.cfg.ClientID,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	})
}

// stateEnvelope carries the client's redirect target and original state
// through the upstream round-trip.
type stateEnvelope struct {
	RedirectURI string `json:"redirect_uri"`
	State       string `json:"state,omitempty"`
}

func encodeState(env stateEnvelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeState(s string) (stateEnvelope, error) {
	var env stateEnvelope
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, err
	}
	if env.RedirectURI == "" {
		return env, fmt.Errorf("state carries no redirect_uri")
	}
	return env, nil
}

// handleAuthorize validates the PKCE method and forwards the client to the
// upstream authorize endpoint. Only S256 is accepted; "plain" leaks the
// verifier to any observer of the authorize request and is refused.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}
	if method := q.Get("code_challenge_method"); method != "S256" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "code_challenge_method must be S256")
		return
	}
	codeChallenge := q.Get("code_challenge")
	if codeChallenge == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "code_challenge is required")
		return
	}

	state, err := encodeState(stateEnvelope{RedirectURI: redirectURI, State: q.Get("state")})
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to encode state")
		return
	}

	upstream, err := url.Parse(h.cfg.AuthorizeEndpoint)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "invalid upstream authorize endpoint")
		return
	}
	uq := upstream.Query()
	uq.Set("client_id", h.cfg.ClientID)
	uq.Set("redirect_uri", h.cfg.CallbackURL)
	uq.Set("response_type", "code")
	uq.Set("code_challenge", codeChallenge)
	uq.Set("code_challenge_method", "S256")
	uq.Set("state", state)
	if scope := q.Get("scope"); scope != "" {
		uq.Set("scope", scope)
	}
	upstream.RawQuery = uq.Encode()

	h.log.Info("oauth.authorize.redirect")
	http.Redirect(w, r, upstream.String(), http.StatusFound)
}

// handleCallback unwraps state and bounces the upstream's code back to the
// client's own redirect URI.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	env, err := decodeState(q.Get("state"))
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state is missing or malformed")
		return
	}

	target, err := url.Parse(env.RedirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state carries an invalid redirect_uri")
		return
	}
	tq := target.Query()
	if errCode := q.Get("error"); errCode != "" {
		tq.Set("error", errCode)
		if desc := q.Get("error_description"); desc != "" {
			tq.Set("error_description", desc)
		}
	} else {
		code := q.Get("code")
		if code == "" {
			oauthError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}
		tq.Set("code", code)
	}
	if env.State != "" {
		tq.Set("state", env.State)
	}
	target.RawQuery = tq.Encode()

	h.log.Info("oauth.callback.redirect")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type tokenExchangeRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// handleToken exchanges an authorization code or refresh token against the
// upstream, injecting the upstream client credentials. The upstream's JSON
// response and status pass through untouched.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "request body must be form-encoded")
		return
	}

	grantType := r.PostFormValue("grant_type")
	if grantType != "authorization_code" && grantType != "refresh_token" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
		return
	}

	exchange := tokenExchangeRequest{
		GrantType:    grantType,
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     h.cfg.ClientID,
		ClientSecret: h.cfg.ClientSecret,
	}
	if grantType == "authorization_code" {
		if exchange.Code == "" {
			oauthError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}
		exchange.RedirectURI = h.cfg.CallbackURL
	} else if exchange.RefreshToken == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	body, err := json.Marshal(exchange)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to encode exchange request")
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.cfg.TokenEndpoint, strings.NewReader(string(body)))
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to build exchange request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		h.log.Error("oauth.token.exchange.fail", slog.String("err", err.Error()))
		oauthError(w, http.StatusBadGateway, "server_error", "token exchange failed")
		return
	}
	defer res.Body.Close()

	h.log.Info("oauth.token.exchange.ok",
		slog.String("grant_type", grantType),
		slog.Int("upstream_status", res.StatusCode),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_, _ = io.Copy(w, io.LimitReader(res.Body, 1<<20))
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
