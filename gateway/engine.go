// Package gateway binds the protocol engine, the session model, and the
// memory tools together. Both transport adapters parse their own wire
// framing and hand decoded JSON-RPC messages to one shared Engine, so
// protocol semantics cannot drift between transports.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/evenscribe/umem-gateway/internal/jsonrpc"
	"github.com/evenscribe/umem-gateway/internal/logctx"
	"github.com/evenscribe/umem-gateway/mcp"
	"github.com/evenscribe/umem-gateway/router"
)

// ServerName and ServerVersion identify this implementation in the
// initialize handshake.
const (
	ServerName    = "umem-gateway"
	ServerVersion = "1.0.0"
)

// Engine handles decoded protocol messages. It is stateless per call; all
// session state lives in the Session passed in.
type Engine struct {
	router *router.Router
	log    *slog.Logger
}

// NewEngine constructs an Engine over the given tool router.
func NewEngine(r *router.Router, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{router: r, log: log}
}

// NegotiateProtocolVersion returns the protocol version to answer an
// initialize carrying requested. A version the gateway supports is echoed
// back; anything else falls back to the latest supported revision.
func NegotiateProtocolVersion(requested string) string {
	for _, v := range mcp.SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return mcp.LatestProtocolVersion
}

// Initialize builds the handshake result for a new session.
func (e *Engine) Initialize(sess *Session, req *mcp.InitializeRequest) *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: sess.ProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: false},
		},
		ServerInfo: mcp.ImplementationInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
	}
}

// Handle processes one decoded message within a session and returns the
// response to deliver, or nil for notifications. The caller is responsible
// for holding the session's ordering lock.
func (e *Engine) Handle(ctx context.Context, sess *Session, req *jsonrpc.Request) *jsonrpc.Response {
	sess.Touch()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID,
		Subject:   sess.Subject,
		Transport: sess.Transport,
	})

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		var initReq mcp.InitializeRequest
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
		}
		if sess.ProtocolVersion == "" {
			sess.ProtocolVersion = NegotiateProtocolVersion(initReq.ProtocolVersion)
		}
		return e.result(req.ID, e.Initialize(sess, &initReq))

	case mcp.InitializedNotificationMethod, mcp.CancelledNotificationMethod:
		// Nothing to do; notifications never get a response.
		return nil

	case mcp.PingMethod:
		return e.result(req.ID, &mcp.EmptyResult{})

	case mcp.ToolsListMethod:
		return e.result(req.ID, &mcp.ListToolsResult{Tools: e.router.List()})

	case mcp.ToolsCallMethod:
		var call mcp.CallToolRequestReceived
		if err := json.Unmarshal(req.Params, &call); err != nil || call.Name == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tool call params")
		}
		res := e.router.Dispatch(ctx, call.Name, call.Arguments)
		return e.result(req.ID, res)

	default:
		if req.ID.IsNil() {
			// Unknown notification; drop quietly per protocol.
			e.log.DebugContext(ctx, "engine.notification.unknown", slog.String("method", req.Method))
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// result marshals a success payload, downgrading marshal bugs to an internal
// error response rather than dropping the request on the floor.
func (e *Engine) result(id *jsonrpc.RequestID, payload any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, payload)
	if err != nil {
		e.log.Error("engine.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error")
	}
	return res
}
