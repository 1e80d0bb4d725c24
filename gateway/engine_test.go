package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/evenscribe/umem-gateway/auth"
	"github.com/evenscribe/umem-gateway/internal/jsonrpc"
	"github.com/evenscribe/umem-gateway/mcp"
	"github.com/evenscribe/umem-gateway/memory"
	"github.com/evenscribe/umem-gateway/router"
)

func newTestEngine(t *testing.T) (*Engine, *SessionManager, memory.Controller) {
	t.Helper()
	store := memory.NewInMemStore()
	r := router.New(nil)
	if err := RegisterMemoryTools(r, store); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	return NewEngine(r, nil), NewSessionManager(time.Minute, nil), store
}

func newRequest(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	var rid *jsonrpc.RequestID
	if id != nil {
		rid = jsonrpc.NewRequestID(id)
	}
	return &jsonrpc.Request{JSONRPCVersion: jsonrpc.Version, Method: method, Params: raw, ID: rid}
}

func decodeResult(t *testing.T, res *jsonrpc.Response, into any) {
	t.Helper()
	if res == nil {
		t.Fatal("expected a response")
	}
	if res.Error != nil {
		t.Fatalf("unexpected error response: %+v", res.Error)
	}
	if err := json.Unmarshal(res.Result, into); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func authedCtx(subject string) context.Context {
	return auth.WithSubject(context.Background(), subject)
}

func TestEngineInitialize(t *testing.T) {
	e, sm, _ := newTestEngine(t)
	sess := sm.Create("user-1", "streamable_http", "")

	res := e.Handle(authedCtx("user-1"), sess, newRequest(t, 1, "initialize", mcp.InitializeRequest{
		ProtocolVersion: "2025-03-26",
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "0.0.1"},
	}))

	var init mcp.InitializeResult
	decodeResult(t, res, &init)
	if init.ProtocolVersion != "2025-03-26" {
		t.Fatalf("supported version must be echoed back, got %q", init.ProtocolVersion)
	}
	if init.ServerInfo.Name != ServerName {
		t.Fatalf("unexpected server info: %+v", init.ServerInfo)
	}
	if init.Capabilities.Tools == nil {
		t.Fatal("tools capability must be advertised")
	}
}

func TestEngineNegotiatesUnknownVersion(t *testing.T) {
	if got := NegotiateProtocolVersion("1999-01-01"); got != mcp.LatestProtocolVersion {
		t.Fatalf("unknown version must fall back to latest, got %q", got)
	}
	if got := NegotiateProtocolVersion("2024-11-05"); got != "2024-11-05" {
		t.Fatalf("supported version must be kept, got %q", got)
	}
}

func TestEnginePing(t *testing.T) {
	e, sm, _ := newTestEngine(t)
	sess := sm.Create("user-1", "streamable_http", mcp.LatestProtocolVersion)

	res := e.Handle(authedCtx("user-1"), sess, newRequest(t, "ping-1", "ping", nil))
	if res == nil || res.Error != nil {
		t.Fatalf("ping must succeed: %+v", res)
	}
}

func TestEngineNotificationsGetNoResponse(t *testing.T) {
	e, sm, _ := newTestEngine(t)
	sess := sm.Create("user-1", "streamable_http", mcp.LatestProtocolVersion)

	if res := e.Handle(authedCtx("user-1"), sess, newRequest(t, nil, "notifications/initialized", nil)); res != nil {
		t.Fatalf("notification must not produce a response, got %+v", res)
	}
}

func TestEngineToolsList(t *testing.T) {
	e, sm, _ := newTestEngine(t)
	sess := sm.Create("user-1", "streamable_http", mcp.LatestProtocolVersion)

	res := e.Handle(authedCtx("user-1"), sess, newRequest(t, 2, "tools/list", nil))

	var list mcp.ListToolsResult
	decodeResult(t, res, &list)
	want := []string{"add_memory", "get_memory", "get_memory_by_query", "update_memory"}
	if len(list.Tools) != len(want) {
		t.Fatalf("want %d tools, got %d", len(want), len(list.Tools))
	}
	for i, name := range want {
		if list.Tools[i].Name != name {
			t.Fatalf("tool %d: want %s, got %s", i, name, list.Tools[i].Name)
		}
	}
}

func TestEngineMethodNotFound(t *testing.T) {
	e, sm, _ := newTestEngine(t)
	sess := sm.Create("user-1", "streamable_http", mcp.LatestProtocolVersion)

	res := e.Handle(authedCtx("user-1"), sess, newRequest(t, 3, "resources/list", nil))
	if res == nil || res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("want method-not-found error, got %+v", res)
	}
}

func callTool(t *testing.T, e *Engine, sess *Session, subject string, id any, name string, args any) mcp.CallToolResult {
	t.Helper()
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	res := e.Handle(authedCtx(subject), sess, newRequest(t, id, "tools/call", params))

	var result mcp.CallToolResult
	decodeResult(t, res, &result)
	return result
}

func TestEngineToolCallRoundtrip(t *testing.T) {
	e, sm, _ := newTestEngine(t)
	sess := sm.Create("user-1", "streamable_http", mcp.LatestProtocolVersion)

	added := callTool(t, e, sess, "user-1", 10, "add_memory", map[string]any{"text": "hello"})
	if added.IsError {
		t.Fatalf("add_memory failed: %+v", added.Content)
	}

	got := callTool(t, e, sess, "user-1", 11, "get_memory", nil)
	if got.IsError {
		t.Fatalf("get_memory failed: %+v", got.Content)
	}
	records, ok := got.StructuredContent["records"].([]any)
	if !ok || len(records) != 1 {
		t.Fatalf("want 1 structured record, got %v", got.StructuredContent)
	}
	rec := records[0].(map[string]any)
	if rec["content"] != "hello" {
		t.Fatalf("persisted content must equal input, got %v", rec["content"])
	}
}

func TestEngineUpdateThenGet(t *testing.T) {
	e, sm, store := newTestEngine(t)
	sess := sm.Create("user-1", "streamable_http", mcp.LatestProtocolVersion)

	seeded, err := store.Add(context.Background(), "user-1", "old")
	if err != nil {
		t.Fatal(err)
	}

	updated := callTool(t, e, sess, "user-1", 20, "update_memory", map[string]any{
		"memory_id": seeded.ID,
		"content":   "new",
	})
	if updated.IsError {
		t.Fatalf("update_memory failed: %+v", updated.Content)
	}

	got := callTool(t, e, sess, "user-1", 21, "get_memory", nil)
	records := got.StructuredContent["records"].([]any)
	rec := records[0].(map[string]any)
	if rec["id"] != seeded.ID || rec["content"] != "new" {
		t.Fatalf("want updated record, got %v", rec)
	}
}

func TestEngineToolErrors(t *testing.T) {
	e, sm, _ := newTestEngine(t)
	sess := sm.Create("user-1", "streamable_http", mcp.LatestProtocolVersion)

	cases := []struct {
		name     string
		tool     string
		args     any
		category router.Category
	}{
		{name: "unknown tool", tool: "unknown_tool", args: map[string]any{}, category: router.CategoryToolNotFound},
		{name: "empty text", tool: "add_memory", args: map[string]any{"text": ""}, category: router.CategoryInvalidInput},
		{name: "empty query", tool: "get_memory_by_query", args: map[string]any{"query": "  "}, category: router.CategoryInvalidInput},
		{name: "update missing record", tool: "update_memory", args: map[string]any{"memory_id": "nope", "content": "x"}, category: router.CategoryNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := callTool(t, e, sess, "user-1", 30, tc.tool, tc.args)
			if !res.IsError {
				t.Fatal("expected an error result, not a transport failure")
			}
			if got, _ := res.Meta[router.MetaCategoryKey].(string); got != string(tc.category) {
				t.Fatalf("want category %s, got %q", tc.category, got)
			}
		})
	}
}

func TestEngineTenantIsolation(t *testing.T) {
	e, sm, _ := newTestEngine(t)
	alice := sm.Create("alice", "streamable_http", mcp.LatestProtocolVersion)
	bob := sm.Create("bob", "streamable_http", mcp.LatestProtocolVersion)

	callTool(t, e, alice, "alice", 40, "add_memory", map[string]any{"text": "alice's secret"})
	callTool(t, e, bob, "bob", 41, "add_memory", map[string]any{"text": "bob's note"})

	got := callTool(t, e, bob, "bob", 42, "get_memory", nil)
	records := got.StructuredContent["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("bob should see exactly his record, got %d", len(records))
	}
	if records[0].(map[string]any)["content"] != "bob's note" {
		t.Fatal("bob must never see alice's records")
	}

	search := callTool(t, e, bob, "bob", 43, "get_memory_by_query", map[string]any{"query": "secret"})
	if recs := search.StructuredContent["records"].([]any); len(recs) != 0 {
		t.Fatalf("cross-tenant search leak: %v", recs)
	}
}
