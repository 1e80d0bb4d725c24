package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/evenscribe/umem-gateway/internal/logctx"
)

// Middleware enforces bearer authentication on every request it wraps. All
// rejections look identical to the caller: a 401 with a Bearer challenge
// pointing at the protected resource metadata. The failing step is logged,
// not leaked.
//
// Construct one Middleware and share it across every protected route so all
// transports enforce the same policy.
type Middleware struct {
	validator TokenValidator
	challenge string
	log       *slog.Logger
}

// NewMiddleware builds the middleware. resourceMetadataURL is the absolute
// URL of this gateway's RFC 9728 protected resource metadata document,
// echoed in challenges so clients can bootstrap the OAuth flow.
func NewMiddleware(validator TokenValidator, resourceMetadataURL string, log *slog.Logger) *Middleware {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Middleware{
		validator: validator,
		challenge: fmt.Sprintf("Bearer resource_metadata=%q", resourceMetadataURL),
		log:       log,
	}
}

// Wrap returns a handler that authenticates the request before delegating to
// next. Request data is stamped into the context first so every log record
// downstream, including rejections here, carries the correlating req group.
// On success the subject is bound to the request context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		}))

		header := r.Header.Get("Authorization")
		if header == "" {
			m.reject(w, r, "missing_authorization", nil)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			m.reject(w, r, "malformed_authorization", nil)
			return
		}

		claims, err := m.validator.Validate(r.Context(), token)
		if err != nil {
			code := "invalid_token"
			if ae, isTyped := err.(*Error); isTyped {
				code = string(ae.Code)
			}
			m.reject(w, r, code, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), claims.Subject)))
	})
}

// reject emits the uniform 401. The code and cause go to the log only; the
// response never reveals which validation step failed.
func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, code string, err error) {
	attrs := []any{
		slog.String("code", code),
		slog.String("path", r.URL.Path),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	m.log.WarnContext(r.Context(), "auth.check.fail", attrs...)

	w.Header().Set("WWW-Authenticate", m.challenge)
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
