package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/evenscribe/umem-gateway/mcp"
	"github.com/evenscribe/umem-gateway/memory"
	"github.com/evenscribe/umem-gateway/router"
)

type addMemoryArgs struct {
	Text string `json:"text" jsonschema:"required,description=The content to remember"`
}

type searchMemoryArgs struct {
	Query string `json:"query" jsonschema:"required,description=Free-text query to search memories with"`
}

type updateMemoryArgs struct {
	MemoryID string `json:"memory_id" jsonschema:"required,description=Identifier of the memory to update"`
	Content  string `json:"content" jsonschema:"required,description=Replacement content for the memory"`
}

// RegisterMemoryTools wires the four memory tools into the router. Every
// handler scopes its controller call by the authenticated subject from the
// request; a caller-supplied identity is never accepted.
func RegisterMemoryTools(r *router.Router, ctrl memory.Controller) error {
	tools := []router.Tool{
		router.NewTool("add_memory", func(ctx context.Context, req *router.Request, args addMemoryArgs) (*mcp.CallToolResult, error) {
			if strings.TrimSpace(args.Text) == "" {
				return router.ErrorResult(router.CategoryInvalidInput, "content cannot be empty"), nil
			}
			rec, err := ctrl.Add(ctx, req.Subject, args.Text)
			if err != nil {
				return controllerErrorResult(err)
			}
			res := router.TextResult(fmt.Sprintf("Stored memory %s.", rec.ID))
			res.StructuredContent = map[string]any{"record": rec}
			return res, nil
		}, router.WithDescription("Store a new memory for the authenticated user.")),

		router.NewTool("get_memory", func(ctx context.Context, req *router.Request, args struct{}) (*mcp.CallToolResult, error) {
			recs, err := ctrl.GetAll(ctx, req.Subject)
			if err != nil {
				return controllerErrorResult(err)
			}
			return recordsResult(recs), nil
		}, router.WithDescription("Retrieve all memories stored for the authenticated user.")),

		router.NewTool("get_memory_by_query", func(ctx context.Context, req *router.Request, args searchMemoryArgs) (*mcp.CallToolResult, error) {
			if strings.TrimSpace(args.Query) == "" {
				return router.ErrorResult(router.CategoryInvalidInput, "query cannot be empty"), nil
			}
			recs, err := ctrl.Search(ctx, req.Subject, args.Query)
			if err != nil {
				return controllerErrorResult(err)
			}
			return recordsResult(recs), nil
		}, router.WithDescription("Search the authenticated user's memories by relevance to a query.")),

		router.NewTool("update_memory", func(ctx context.Context, req *router.Request, args updateMemoryArgs) (*mcp.CallToolResult, error) {
			if strings.TrimSpace(args.MemoryID) == "" {
				return router.ErrorResult(router.CategoryInvalidInput, "memory_id cannot be empty"), nil
			}
			if strings.TrimSpace(args.Content) == "" {
				return router.ErrorResult(router.CategoryInvalidInput, "content cannot be empty"), nil
			}
			rec, err := ctrl.Update(ctx, req.Subject, args.MemoryID, args.Content)
			if err != nil {
				return controllerErrorResult(err)
			}
			res := router.TextResult(fmt.Sprintf("Updated memory %s.", rec.ID))
			res.StructuredContent = map[string]any{"record": rec}
			return res, nil
		}, router.WithDescription("Replace the content of an existing memory.")),
	}

	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// recordsResult renders a record list as a structured result plus a
// human-readable text block.
func recordsResult(recs []memory.Record) *mcp.CallToolResult {
	var text string
	if len(recs) == 0 {
		text = "No memories found."
	} else {
		lines := make([]string, len(recs))
		for i, rec := range recs {
			lines[i] = fmt.Sprintf("[%s] %s", rec.ID, rec.Content)
		}
		text = strings.Join(lines, "\n")
	}
	res := router.TextResult(text)
	res.StructuredContent = map[string]any{"records": recs}
	return res
}

// controllerErrorResult maps a memory.Controller failure onto the tool error
// taxonomy. The store's own error text stays internal; callers get a safe
// summary plus a category they can branch on.
func controllerErrorResult(err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, memory.ErrInvalidArgument):
		return router.ErrorResult(router.CategoryInvalidInput, "content cannot be empty"), nil
	case errors.Is(err, memory.ErrNotFound):
		return router.ErrorResult(router.CategoryNotFound, "memory not found"), nil
	case errors.Is(err, memory.ErrUnavailable):
		return router.ErrorResult(router.CategoryUpstream, "memory store unavailable"), nil
	default:
		// Unexpected controller failure: let the dispatcher log it.
		return nil, err
	}
}
