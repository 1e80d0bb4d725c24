// Package sse implements the legacy HTTP+SSE transport: the client opens a
// long-lived event stream with GET, learns the message endpoint from the
// first "endpoint" event, and posts JSON-RPC messages to it. Responses come
// back on the stream, in the order the messages arrived.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/evenscribe/umem-gateway/auth"
	"github.com/evenscribe/umem-gateway/gateway"
	"github.com/evenscribe/umem-gateway/internal/jsonrpc"
)

const (
	// TransportName identifies this adapter in session and log records.
	TransportName = "sse"

	sessionIDParam    = "sessionId"
	keepaliveInterval = 25 * time.Second
)

// Handler terminates the legacy SSE wire protocol. It assumes the auth
// middleware already ran.
type Handler struct {
	engine      *gateway.Engine
	sessions    *gateway.SessionManager
	messagePath string
	log         *slog.Logger
}

// New constructs the transport handler. messagePath is the path the endpoint
// event points clients at for their POSTs.
func New(engine *gateway.Engine, sessions *gateway.SessionManager, messagePath string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		engine:      engine,
		sessions:    sessions,
		messagePath: messagePath,
		log:         log,
	}
}

type writeFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (wf *writeFlusher) writeEvent(event string, data []byte) error {
	if wf.ctx.Err() != nil {
		return wf.ctx.Err()
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if event != "" {
		if _, err := fmt.Fprintf(wf.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(wf.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	wf.Flusher.Flush()
	return nil
}

func (wf *writeFlusher) writeComment(text string) error {
	if wf.ctx.Err() != nil {
		return wf.ctx.Err()
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if _, err := fmt.Fprintf(wf.Writer, ": %s\n\n", text); err != nil {
		return err
	}
	wf.Flusher.Flush()
	return nil
}

// ServeSSE handles GET on the stream endpoint: creates a session, announces
// the message endpoint, then pumps responses until disconnect.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := auth.MustSubject(ctx)

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sess := h.sessions.Create(subject, TransportName, "")
	defer h.sessions.Delete(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &writeFlusher{Writer: w, Flusher: f, ctx: ctx}

	endpoint := fmt.Sprintf("%s?%s=%s", h.messagePath, sessionIDParam, url.QueryEscape(sess.ID))
	if err := wf.writeEvent("endpoint", []byte(endpoint)); err != nil {
		h.log.ErrorContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("session_id", sess.ID))
	defer h.log.InfoContext(ctx, "sse.stream.end", slog.String("session_id", sess.ID))

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
			if err := wf.writeEvent("message", b); err != nil {
				h.log.DebugContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-keepalive.C:
			if err := wf.writeComment("keepalive"); err != nil {
				return
			}
		}
	}
}

// ServeMessage handles POST on the message endpoint. The message is handled
// in arrival order within its session and any response goes out on the
// session's stream; the POST itself only acknowledges receipt.
func (h *Handler) ServeMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := auth.MustSubject(ctx)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessID := r.URL.Query().Get(sessionIDParam)
	if sessID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, found := h.sessions.Get(sessID, subject)
	if !found {
		http.Error(w, "session not found", http.StatusNotFound)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid JSON-RPC message", http.StatusBadRequest)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	req := msg.AsRequest()
	if req == nil {
		// Client response to a server request; the gateway issues none.
		sess.Touch()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sess.Lock()
	res := h.engine.Handle(ctx, sess, req)
	sess.Unlock()

	if res != nil && !sess.Send(res) {
		h.log.WarnContext(ctx, "sse.response.drop",
			slog.String("session_id", sess.ID),
			slog.String("method", req.Method),
		)
	}
	w.WriteHeader(http.StatusAccepted)
}
