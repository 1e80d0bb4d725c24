// Package umemgateway assembles the authenticated MCP memory gateway: OAuth
// discovery and proxy endpoints, bearer-token enforcement, and the two MCP
// transports, all behind a single http.Handler.
package umemgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evenscribe/umem-gateway/auth"
	"github.com/evenscribe/umem-gateway/gateway"
	"github.com/evenscribe/umem-gateway/internal/discovery"
	"github.com/evenscribe/umem-gateway/internal/keyset"
	"github.com/evenscribe/umem-gateway/internal/wellknown"
	"github.com/evenscribe/umem-gateway/memory"
	"github.com/evenscribe/umem-gateway/oauthproxy"
	"github.com/evenscribe/umem-gateway/router"
	"github.com/evenscribe/umem-gateway/sse"
	"github.com/evenscribe/umem-gateway/streaminghttp"
)

// Mount points for the protocol endpoints.
const (
	MCPPath        = "/mcp"
	SSEPath        = "/mcp/sse"
	SSEMessagePath = "/mcp/message"
)

// Config describes one gateway instance. The memory controller is injected;
// the gateway owns authentication and transport, never storage.
type Config struct {
	// PublicURL is the externally reachable base URL of this gateway, used in
	// discovery documents, auth challenges, and the OAuth callback.
	PublicURL string

	// Issuer is the upstream OpenID Connect issuer whose tokens the gateway
	// accepts. Its metadata is resolved at construction time.
	Issuer string

	// Audience is the value the token's aud claim must include.
	Audience string

	// JWKSURL overrides the jwks_uri advertised by the issuer. Optional.
	JWKSURL string

	// ClientID and ClientSecret are the gateway's registration with the
	// upstream provider. When ClientID is set the gateway mounts the OAuth
	// proxy endpoints and advertises itself as the authorization server;
	// otherwise clients are pointed directly at the upstream.
	ClientID     string
	ClientSecret string

	// Store is the memory controller backing the tools.
	Store memory.Controller

	// JWKSRefreshInterval is how often the key cache re-fetches. Zero disables
	// periodic refresh; the startup fetch still happens.
	JWKSRefreshInterval time.Duration

	// SessionIdleTimeout bounds how long an idle session survives. Defaults to
	// gateway.DefaultIdleTimeout.
	SessionIdleTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Server is a fully wired gateway. It implements http.Handler; Run starts the
// background loops (key refresh, session reaping) and blocks until ctx ends.
type Server struct {
	mux  *http.ServeMux
	keys *keyset.Cache
	log  *slog.Logger

	refreshInterval time.Duration
	streamSessions  *gateway.SessionManager
	sseSessions     *gateway.SessionManager
}

// NewServer resolves the issuer's metadata, primes the key cache, and wires
// every route. Construction fails if the issuer is unreachable or its first
// key fetch fails: a gateway that cannot validate tokens must not start.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.PublicURL == "" {
		return nil, fmt.Errorf("public URL is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("memory controller is required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	publicURL := strings.TrimRight(cfg.PublicURL, "/")

	meta, err := discovery.Resolve(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("resolve issuer metadata: %w", err)
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = meta.JWKSURI
	}
	keysetOpts := []keyset.Option{keyset.WithLogger(log)}
	if cfg.HTTPClient != nil {
		keysetOpts = append(keysetOpts, keyset.WithHTTPClient(cfg.HTTPClient))
	}
	keys := keyset.New(jwksURL, keysetOpts...)
	if err := keys.Fetch(ctx); err != nil {
		return nil, fmt.Errorf("prime key set: %w", err)
	}

	validator := auth.NewValidator(keys, auth.ValidatorConfig{Audience: cfg.Audience})
	mw := auth.NewMiddleware(validator, publicURL+wellknown.ProtectedResourceMetadataPath, log)

	r := router.New(log)
	if err := gateway.RegisterMemoryTools(r, cfg.Store); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	engine := gateway.NewEngine(r, log)

	idleTimeout := cfg.SessionIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = gateway.DefaultIdleTimeout
	}
	streamSessions := gateway.NewSessionManager(idleTimeout, log)
	sseSessions := gateway.NewSessionManager(idleTimeout, log)

	mux := http.NewServeMux()

	asm := wellknown.AuthServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             meta.AuthorizationEndpoint,
		TokenEndpoint:                     meta.TokenEndpoint,
		RegistrationEndpoint:              meta.RegistrationEndpoint,
		JwksURI:                           jwksURL,
		ScopesSupported:                   meta.ScopesSupported,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}

	if cfg.ClientID != "" {
		proxy, err := oauthproxy.New(oauthproxy.Config{
			ClientID:          cfg.ClientID,
			ClientSecret:      cfg.ClientSecret,
			AuthorizeEndpoint: meta.AuthorizationEndpoint,
			TokenEndpoint:     meta.TokenEndpoint,
			CallbackURL:       publicURL + oauthproxy.CallbackPath,
			HTTPClient:        cfg.HTTPClient,
			Logger:            log,
		})
		if err != nil {
			return nil, fmt.Errorf("build oauth proxy: %w", err)
		}
		proxy.Register(mux)

		asm.Issuer = publicURL
		asm.AuthorizationEndpoint = publicURL + oauthproxy.AuthorizePath
		asm.TokenEndpoint = publicURL + oauthproxy.TokenPath
		asm.RegistrationEndpoint = publicURL + oauthproxy.RegisterPath
	}

	wk, err := wellknown.NewHandler(wellknown.ProtectedResourceMetadata{
		Resource:               publicURL + MCPPath,
		AuthorizationServers:   []string{asm.Issuer},
		JwksURI:                jwksURL,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           gateway.ServerName,
	}, asm)
	if err != nil {
		return nil, fmt.Errorf("build discovery documents: %w", err)
	}
	wk.Register(mux)

	mux.Handle(MCPPath, mw.Wrap(streaminghttp.New(engine, streamSessions, log)))
	sseHandler := sse.New(engine, sseSessions, SSEMessagePath, log)
	mux.Handle(SSEPath, mw.Wrap(http.HandlerFunc(sseHandler.ServeSSE)))
	mux.Handle(SSEMessagePath, mw.Wrap(http.HandlerFunc(sseHandler.ServeMessage)))

	return &Server{
		mux:             mux,
		keys:            keys,
		log:             log,
		refreshInterval: cfg.JWKSRefreshInterval,
		streamSessions:  streamSessions,
		sseSessions:     sseSessions,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run starts the background loops and blocks until ctx is canceled. All
// sessions are closed on the way out.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.refreshInterval > 0 {
		g.Go(func() error { return s.keys.Run(ctx, s.refreshInterval) })
	}
	g.Go(func() error { return s.streamSessions.Run(ctx) })
	g.Go(func() error { return s.sseSessions.Run(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close terminates every live session. Safe to call after Run returns.
func (s *Server) Close() {
	s.streamSessions.CloseAll()
	s.sseSessions.CloseAll()
}
