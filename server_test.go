package umemgateway_test

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	umemgateway "github.com/evenscribe/umem-gateway"
	"github.com/evenscribe/umem-gateway/internal/jsonrpc"
	"github.com/evenscribe/umem-gateway/mcp"
	"github.com/evenscribe/umem-gateway/memory"
)

const (
	testKeyID    = "test-key-1"
	testAudience = "https://gateway.example.com/mcp"
)

// mockIssuer is a minimal OpenID Connect provider: discovery document plus a
// JWKS endpoint, enough for the gateway to bootstrap against.
type mockIssuer struct {
	srv         *httptest.Server
	key         *rsa.PrivateKey
	jwksFetches atomic.Int64
}

func newMockIssuer(t *testing.T) *mockIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	iss := &mockIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 iss.srv.URL,
			"authorization_endpoint": iss.srv.URL + "/oauth2/authorize",
			"token_endpoint":         iss.srv.URL + "/oauth2/token",
			"jwks_uri":               iss.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, r *http.Request) {
		iss.jwksFetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       key.Public(),
			KeyID:     testKeyID,
			Algorithm: "RS256",
			Use:       "sig",
		}}})
	})

	iss.srv = httptest.NewServer(mux)
	t.Cleanup(iss.srv.Close)
	return iss
}

func (m *mockIssuer) signToken(t *testing.T, subject, audience string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": m.srv.URL,
		"sub": subject,
		"aud": audience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(m.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newGateway(t *testing.T, iss *mockIssuer) *httptest.Server {
	t.Helper()

	server, err := umemgateway.NewServer(context.Background(), umemgateway.Config{
		PublicURL:    "https://gateway.example.com",
		Issuer:       iss.srv.URL,
		Audience:     testAudience,
		ClientID:     "upstream-client-id",
		ClientSecret: "upstream-client-secret",
		Store:        memory.NewInMemStore(),
	})
	if err != nil {
		t.Fatalf("build gateway: %v", err)
	}
	t.Cleanup(server.Close)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoveryDocuments(t *testing.T) {
	iss := newMockIssuer(t)
	srv := newGateway(t, iss)

	t.Run("authorization server metadata", func(t *testing.T) {
		res, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
		if err != nil {
			t.Fatal(err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("want 200, got %d", res.StatusCode)
		}
		if res.Header.Get("Access-Control-Allow-Origin") != "*" {
			t.Fatal("metadata must be readable cross-origin")
		}

		var doc struct {
			Issuer                string   `json:"issuer"`
			AuthorizationEndpoint string   `json:"authorization_endpoint"`
			TokenEndpoint         string   `json:"token_endpoint"`
			RegistrationEndpoint  string   `json:"registration_endpoint"`
			CodeChallengeMethods  []string `json:"code_challenge_methods_supported"`
		}
		if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
		if doc.Issuer != "https://gateway.example.com" {
			t.Fatalf("proxying gateway must advertise itself, got issuer %q", doc.Issuer)
		}
		if doc.AuthorizationEndpoint != "https://gateway.example.com/authorize" ||
			doc.TokenEndpoint != "https://gateway.example.com/token" ||
			doc.RegistrationEndpoint != "https://gateway.example.com/register" {
			t.Fatalf("endpoints must point at the gateway proxy, got %+v", doc)
		}
		if len(doc.CodeChallengeMethods) != 1 || doc.CodeChallengeMethods[0] != "S256" {
			t.Fatalf("only S256 may be advertised, got %v", doc.CodeChallengeMethods)
		}
	})

	t.Run("protected resource metadata", func(t *testing.T) {
		res, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource")
		if err != nil {
			t.Fatal(err)
		}
		defer res.Body.Close()
		var doc struct {
			Resource             string   `json:"resource"`
			AuthorizationServers []string `json:"authorization_servers"`
		}
		if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
		if doc.Resource != "https://gateway.example.com/mcp" {
			t.Fatalf("unexpected resource: %q", doc.Resource)
		}
		if len(doc.AuthorizationServers) != 1 {
			t.Fatalf("exactly one authorization server expected, got %v", doc.AuthorizationServers)
		}
	})

	t.Run("OPTIONS serves the same document as GET", func(t *testing.T) {
		get, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
		if err != nil {
			t.Fatal(err)
		}
		getBody, _ := io.ReadAll(get.Body)
		get.Body.Close()

		req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/.well-known/oauth-authorization-server", nil)
		opt, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		optBody, _ := io.ReadAll(opt.Body)
		opt.Body.Close()

		if opt.StatusCode != get.StatusCode || string(optBody) != string(getBody) {
			t.Fatal("OPTIONS and GET must serve identical documents")
		}
	})
}

func postJSON(t *testing.T, url, token, sessionID string, msg any) *http.Response {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(b)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestEndToEndToolCall(t *testing.T) {
	iss := newMockIssuer(t)
	srv := newGateway(t, iss)
	token := iss.signToken(t, "user-1", testAudience)

	initRes := postJSON(t, srv.URL+"/mcp", token, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-06-18",
			"clientInfo":      map[string]any{"name": "e2e", "version": "0.0.1"},
		},
	})
	defer initRes.Body.Close()
	if initRes.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(initRes.Body)
		t.Fatalf("initialize: want 200, got %d: %s", initRes.StatusCode, body)
	}
	sessID := initRes.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize must return a session id")
	}

	callRes := postJSON(t, srv.URL+"/mcp", token, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{
			"name":      "add_memory",
			"arguments": map[string]any{"text": "end to end"},
		},
	})
	defer callRes.Body.Close()
	if callRes.StatusCode != http.StatusOK {
		t.Fatalf("tools/call: want 200, got %d", callRes.StatusCode)
	}

	sc := bufio.NewScanner(callRes.Body)
	var data string
	for sc.Scan() {
		if d, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			data = d
			break
		}
	}
	if data == "" {
		t.Fatalf("no SSE data frame: %v", sc.Err())
	}
	var rpcRes jsonrpc.Response
	if err := json.Unmarshal([]byte(data), &rpcRes); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rpcRes.Error != nil {
		t.Fatalf("tool call failed: %+v", rpcRes.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(rpcRes.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.IsError {
		t.Fatalf("add_memory must succeed, got %+v", result.Content)
	}
}

func newGatewayWithRefresh(t *testing.T, iss *mockIssuer, refresh time.Duration) *umemgateway.Server {
	t.Helper()
	server, err := umemgateway.NewServer(context.Background(), umemgateway.Config{
		PublicURL:           "https://gateway.example.com",
		Issuer:              iss.srv.URL,
		Audience:            testAudience,
		Store:               memory.NewInMemStore(),
		JWKSRefreshInterval: refresh,
	})
	if err != nil {
		t.Fatalf("build gateway: %v", err)
	}
	t.Cleanup(server.Close)
	return server
}

func TestJWKSRefreshIntervalHonored(t *testing.T) {
	t.Run("positive interval refreshes in the background", func(t *testing.T) {
		iss := newMockIssuer(t)
		server := newGatewayWithRefresh(t, iss, 20*time.Millisecond)
		after := iss.jwksFetches.Load()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- server.Run(ctx) }()

		deadline := time.Now().Add(2 * time.Second)
		for iss.jwksFetches.Load() <= after {
			if time.Now().After(deadline) {
				t.Fatal("key set was never re-fetched with a positive refresh interval")
			}
			time.Sleep(5 * time.Millisecond)
		}

		cancel()
		if err := <-done; err != nil {
			t.Fatalf("run: %v", err)
		}
	})

	t.Run("zero disables background refresh", func(t *testing.T) {
		iss := newMockIssuer(t)
		server := newGatewayWithRefresh(t, iss, 0)
		after := iss.jwksFetches.Load()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- server.Run(ctx) }()

		time.Sleep(150 * time.Millisecond)
		if got := iss.jwksFetches.Load(); got != after {
			t.Fatalf("key set re-fetched %d times with refresh disabled", got-after)
		}

		cancel()
		if err := <-done; err != nil {
			t.Fatalf("run: %v", err)
		}
	})
}

func TestRejectsUnauthenticatedRequests(t *testing.T) {
	iss := newMockIssuer(t)
	srv := newGateway(t, iss)

	res := postJSON(t, srv.URL+"/mcp", "", "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2025-06-18"},
	})
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", res.StatusCode)
	}
	challenge := res.Header.Get("WWW-Authenticate")
	want := fmt.Sprintf("resource_metadata=%q", "https://gateway.example.com/.well-known/oauth-protected-resource")
	if !strings.Contains(challenge, want) {
		t.Fatalf("challenge must carry the metadata URL, got %q", challenge)
	}
}

func TestRejectsWrongAudience(t *testing.T) {
	iss := newMockIssuer(t)
	srv := newGateway(t, iss)
	token := iss.signToken(t, "user-1", "https://other.example.com")

	res := postJSON(t, srv.URL+"/mcp", token, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2025-06-18"},
	})
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if strings.Contains(string(body), "audience") {
		t.Fatal("rejection must not reveal the failing validation step")
	}
}
