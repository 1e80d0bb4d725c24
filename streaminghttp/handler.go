// Package streaminghttp implements the streamable HTTP transport: a single
// /mcp endpoint where POST carries client-to-server messages (responses
// delivered as a one-frame SSE stream), GET opens the server-to-client
// stream, and DELETE terminates the session.
package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/evenscribe/umem-gateway/auth"
	"github.com/evenscribe/umem-gateway/gateway"
	"github.com/evenscribe/umem-gateway/internal/jsonrpc"
	"github.com/evenscribe/umem-gateway/mcp"
)

const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"

	// TransportName identifies this adapter in session and log records.
	TransportName = "streamable_http"

	keepaliveInterval = 25 * time.Second
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Handler terminates the streamable HTTP wire protocol. It assumes the auth
// middleware already ran: every request reaching it carries a subject.
type Handler struct {
	engine   *gateway.Engine
	sessions *gateway.SessionManager
	log      *slog.Logger
}

// New constructs the transport handler over the shared engine and a session
// manager owned by this transport.
func New(engine *gateway.Engine, sessions *gateway.SessionManager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{engine: engine, sessions: sessions, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and a
// context. It serializes concurrent writes/flushes and refuses to write
// after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	subject := auth.MustSubject(ctx)

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		h.initializeSession(ctx, w, subject, &msg, start)
		return
	}

	sess, found := h.sessions.Get(sessID, subject)
	if !found {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	req := msg.AsRequest()
	if req != nil && req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	if pv := r.Header.Get(protocolVersionHeader); pv != "" && sess.ProtocolVersion != "" && pv != sess.ProtocolVersion {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if req == nil {
		// Client-originated response; the gateway never issues server-to-client
		// requests, so there is nothing to correlate. Accept and drop.
		sess.Touch()
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "response.inbound.ignored")
		return
	}

	if req.ID.IsNil() {
		sess.Lock()
		h.engine.Handle(ctx, sess, req)
		sess.Unlock()

		w.Header().Set(protocolVersionHeader, sess.ProtocolVersion)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	w.Header().Set(protocolVersionHeader, sess.ProtocolVersion)
	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	sess.Lock()
	res := h.engine.Handle(ctx, sess, req)
	sess.Unlock()
	if res == nil {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
	}

	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// initializeSession handles the sessionless POST that opens a session. Only
// an initialize request is valid here.
func (h *Handler) initializeSession(ctx context.Context, w http.ResponseWriter, subject string, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) || req.ID.IsNil() {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	sess := h.sessions.Create(subject, TransportName, "")
	res := h.engine.Handle(ctx, sess, req)
	if res == nil {
		h.sessions.Delete(sess.ID)
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		return
	}
	if res.Error != nil {
		// Handshake rejected; no session to hand out.
		h.sessions.Delete(sess.ID)
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(res)
		return
	}

	w.Header().Set(sessionIDHeader, sess.ID)
	if sess.ProtocolVersion != "" {
		w.Header().Set(protocolVersionHeader, sess.ProtocolVersion)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("session_id", sess.ID),
		slog.Duration("dur", time.Since(start)),
	)
}

// handleGet opens the session's server-to-client stream.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := auth.MustSubject(ctx)

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, found := h.sessions.Get(sessID, subject)
	if !found {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	if pv := r.Header.Get(protocolVersionHeader); pv != "" && sess.ProtocolVersion != "" && pv != sess.ProtocolVersion {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	if sess.ProtocolVersion != "" {
		w.Header().Set(protocolVersionHeader, sess.ProtocolVersion)
	}
	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")
	h.streamSession(ctx, wf, sess)
	h.log.InfoContext(ctx, "sse.stream.end")
}

// streamSession pumps queued session messages to the client until the client
// disconnects or the session closes. Periodic comment frames keep proxies
// from timing out the idle connection.
func (h *Handler) streamSession(ctx context.Context, wf *lockedWriteFlusher, sess *gateway.Session) {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case res := <-sess.Messages():
			b, err := json.Marshal(res)
			if err != nil {
				h.log.ErrorContext(ctx, "sse.message.marshal.fail", slog.String("err", err.Error()))
				continue
			}
			if err := writeSSEEvent(wf, "", b); err != nil {
				h.log.DebugContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-keepalive.C:
			if _, err := wf.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// handleDelete terminates a session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := auth.MustSubject(ctx)

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	sess, found := h.sessions.Get(sessID, subject)
	if !found {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	h.sessions.Delete(sess.ID)
	if sess.ProtocolVersion != "" {
		w.Header().Set(protocolVersionHeader, sess.ProtocolVersion)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok")
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
