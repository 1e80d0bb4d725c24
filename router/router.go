// Package router dispatches tool invocations to registered handlers.
// Registration happens once at startup; after that the registry is read-only
// and serves concurrent dispatches without locking. Domain failures travel
// back to the caller as error results inside the protocol, never as
// transport-level errors.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/evenscribe/umem-gateway/auth"
	"github.com/evenscribe/umem-gateway/internal/logctx"
	"github.com/evenscribe/umem-gateway/mcp"
)

// Category classifies a tool failure for the caller. It rides in the
// result's _meta so clients can branch on it without parsing message text.
type Category string

const (
	// CategoryToolNotFound means no tool with the requested name is registered.
	CategoryToolNotFound Category = "tool_not_found"
	// CategoryInvalidInput means the arguments failed validation.
	CategoryInvalidInput Category = "invalid_input"
	// CategoryUnauthorized means the invocation had no authenticated subject.
	CategoryUnauthorized Category = "unauthorized"
	// CategoryNotFound means the request referenced a record that does not
	// exist for the caller.
	CategoryNotFound Category = "not_found"
	// CategoryUpstream means the backing store or controller failed.
	CategoryUpstream Category = "upstream"
)

// MetaCategoryKey is the _meta key carrying the failure category.
const MetaCategoryKey = "category"

// TextResult builds a successful result with a single text block.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds a failed result with IsError set and the category in
// _meta. The message is for humans; the category is for programs.
func ErrorResult(category Category, message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: message}},
		IsError: true,
		BaseMetadata: mcp.BaseMetadata{
			Meta: map[string]any{MetaCategoryKey: string(category)},
		},
	}
}

// Router holds the tool registry and dispatches calls.
type Router struct {
	tools    []mcp.Tool
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

// New constructs an empty Router.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Router{
		handlers: make(map[string]HandlerFunc),
		log:      log,
	}
}

// Register adds a tool to the registry. Duplicate names are a configuration
// bug and fail loudly rather than last-write-wins.
func (r *Router) Register(tool Tool) error {
	name := tool.Descriptor.Name
	if name == "" {
		return fmt.Errorf("router: tool has no name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("router: tool %q has no handler", name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("router: tool %q already registered", name)
	}
	r.tools = append(r.tools, tool.Descriptor)
	r.handlers[name] = tool.Handler
	return nil
}

// MustRegister is Register for startup wiring, where a duplicate is fatal.
func (r *Router) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// List returns the registered tool descriptors sorted by name.
func (r *Router) List() []mcp.Tool {
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the named tool with the given raw arguments. Every failure
// the caller can act on comes back as an error result; the error return is
// reserved for broken handlers and is mapped to an upstream-category result
// with a generic message, with the real error logged.
func (r *Router) Dispatch(ctx context.Context, name string, arguments json.RawMessage) *mcp.CallToolResult {
	ctx = logctx.WithToolData(ctx, &logctx.ToolData{Name: name})

	subject, ok := auth.SubjectFromContext(ctx)
	if !ok {
		// A dispatch without a subject means a transport bypassed the auth
		// middleware. Refuse the call and make noise.
		r.log.ErrorContext(ctx, "tool.dispatch.no_subject")
		return ErrorResult(CategoryUnauthorized, "no authenticated subject")
	}

	handler, found := r.handlers[name]
	if !found {
		r.log.WarnContext(ctx, "tool.dispatch.not_found")
		return ErrorResult(CategoryToolNotFound, fmt.Sprintf("tool not found: %s", name))
	}

	req := &Request{Name: name, Arguments: arguments, Subject: subject}
	res, err := handler(ctx, req)
	if err != nil {
		r.log.ErrorContext(ctx, "tool.dispatch.fail", slog.String("err", err.Error()))
		return ErrorResult(CategoryUpstream, "tool execution failed")
	}
	if res == nil {
		r.log.ErrorContext(ctx, "tool.dispatch.nil_result")
		return ErrorResult(CategoryUpstream, "tool execution failed")
	}
	return res
}
