package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/evenscribe/umem-gateway/mcp"
)

// HandlerFunc executes one tool invocation. Failures that belong to the
// caller must be returned as error results (see ErrorResult); a non-nil
// error means the handler itself broke and the dispatcher will convert it
// into an upstream-category result.
type HandlerFunc func(ctx context.Context, req *Request) (*mcp.CallToolResult, error)

// Request carries one tool invocation: the tool name, the raw JSON
// arguments, and the authenticated subject the invocation runs as.
type Request struct {
	Name      string
	Arguments json.RawMessage
	Subject   string
}

// Tool pairs a tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    HandlerFunc
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description string
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// NewTool constructs a Tool from a typed args struct A. It reflects a JSON
// Schema from A for the tool listing, and wraps fn with strict runtime
// decoding: unknown fields reject the call with an invalid_input result
// rather than being silently dropped.
func NewTool[A any](name string, fn func(ctx context.Context, req *Request, args A) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](),
	}

	handler := func(ctx context.Context, req *Request) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&a); err != nil {
				return ErrorResult(CategoryInvalidInput, fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}
		return fn(ctx, req, a)
	}

	return Tool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects a Go type A into the simplified tool input
// schema advertised over the wire. Non-object types degrade to an empty
// strict object.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]mcp.SchemaProperty{},
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// toSchemaProperty recursively maps a reflected schema node to the simplified
// wire representation.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
