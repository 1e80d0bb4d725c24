package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/evenscribe/umem-gateway/auth"
	"github.com/evenscribe/umem-gateway/mcp"
)

func authedCtx() context.Context {
	return auth.WithSubject(context.Background(), "user-123")
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"required,description=Text to echo back"`
	Repeat  int    `json:"repeat,omitempty"`
}

func echoTool() Tool {
	return NewTool("echo", func(ctx context.Context, req *Request, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Message), nil
	}, WithDescription("Echoes a message"))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New(nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(echoTool()); err == nil {
		t.Fatal("duplicate registration must fail")
	}
}

func TestListSortedByName(t *testing.T) {
	r := New(nil)
	r.MustRegister(NewTool("zeta", func(ctx context.Context, req *Request, args struct{}) (*mcp.CallToolResult, error) {
		return TextResult("z"), nil
	}))
	r.MustRegister(echoTool())

	tools := r.List()
	if len(tools) != 2 {
		t.Fatalf("want 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "echo" || tools[1].Name != "zeta" {
		t.Fatalf("tools not sorted by name: %s, %s", tools[0].Name, tools[1].Name)
	}
}

func TestNewToolReflectsSchema(t *testing.T) {
	tool := echoTool()
	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("want object schema, got %q", schema.Type)
	}
	prop, ok := schema.Properties["message"]
	if !ok {
		t.Fatalf("schema missing message property: %v", schema.Properties)
	}
	if prop.Type != "string" {
		t.Fatalf("message should be a string, got %q", prop.Type)
	}
	found := false
	for _, req := range schema.Required {
		if req == "message" {
			found = true
		}
	}
	if !found {
		t.Fatalf("message should be required: %v", schema.Required)
	}
}

func TestDispatchHappyPath(t *testing.T) {
	r := New(nil)
	r.MustRegister(echoTool())

	res := r.Dispatch(authedCtx(), "echo", json.RawMessage(`{"message":"hello"}`))
	if res.IsError {
		t.Fatalf("unexpected error result: %v", res.Content)
	}
	if res.Content[0].Text != "hello" {
		t.Fatalf("want echoed text, got %q", res.Content[0].Text)
	}
}

func TestDispatchPassesSubject(t *testing.T) {
	r := New(nil)
	var seen string
	r.MustRegister(NewTool("whoami", func(ctx context.Context, req *Request, args struct{}) (*mcp.CallToolResult, error) {
		seen = req.Subject
		return TextResult(req.Subject), nil
	}))

	r.Dispatch(authedCtx(), "whoami", nil)
	if seen != "user-123" {
		t.Fatalf("want subject user-123, got %q", seen)
	}
}

func wantCategory(t *testing.T, res *mcp.CallToolResult, want Category) {
	t.Helper()
	if !res.IsError {
		t.Fatal("expected an error result")
	}
	got, _ := res.Meta[MetaCategoryKey].(string)
	if got != string(want) {
		t.Fatalf("want category %s, got %q", want, got)
	}
}

func TestDispatchToolNotFound(t *testing.T) {
	r := New(nil)
	res := r.Dispatch(authedCtx(), "nope", nil)
	wantCategory(t, res, CategoryToolNotFound)
}

func TestDispatchRejectsUnknownFields(t *testing.T) {
	r := New(nil)
	r.MustRegister(echoTool())

	res := r.Dispatch(authedCtx(), "echo", json.RawMessage(`{"message":"hi","extra":true}`))
	wantCategory(t, res, CategoryInvalidInput)
}

func TestDispatchRejectsMalformedArguments(t *testing.T) {
	r := New(nil)
	r.MustRegister(echoTool())

	res := r.Dispatch(authedCtx(), "echo", json.RawMessage(`{"message":`))
	wantCategory(t, res, CategoryInvalidInput)
}

func TestDispatchWithoutSubject(t *testing.T) {
	r := New(nil)
	r.MustRegister(echoTool())

	res := r.Dispatch(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	wantCategory(t, res, CategoryUnauthorized)
}

func TestDispatchHandlerErrorBecomesUpstream(t *testing.T) {
	r := New(nil)
	r.MustRegister(NewTool("boom", func(ctx context.Context, req *Request, args struct{}) (*mcp.CallToolResult, error) {
		return nil, errors.New("database on fire")
	}))

	res := r.Dispatch(authedCtx(), "boom", nil)
	wantCategory(t, res, CategoryUpstream)
	// The internal failure detail stays in the logs.
	if res.Content[0].Text != "tool execution failed" {
		t.Fatalf("upstream message must be generic, got %q", res.Content[0].Text)
	}
}
