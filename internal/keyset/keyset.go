// Package keyset fetches and caches the identity provider's published JWKS
// document. The cache holds one immutable snapshot at a time: readers take a
// lock-free reference and refreshes swap the whole set atomically, so a
// validator never observes a partially-updated key set.
package keyset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrNoKeySet is returned by lookups before the first successful fetch.
var ErrNoKeySet = errors.New("keyset: no key set fetched")

// FetchError wraps a failed JWKS retrieval. It is fatal at first startup and
// a degraded-mode signal once a previous set is cached.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("keyset: fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Set is an immutable snapshot of signing keys indexed by key id.
type Set struct {
	keys map[string]jose.JSONWebKey
}

// Lookup resolves a key by its kid. Absence is a hard validation failure for
// callers, never a fallback to an unauthenticated path.
func (s *Set) Lookup(kid string) (jose.JSONWebKey, bool) {
	if s == nil {
		return jose.JSONWebKey{}, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len returns the number of keys in the snapshot.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(k *Cache) { k.client = c }
}

// WithLogger sets the logger used for degraded-mode reporting.
func WithLogger(l *slog.Logger) Option {
	return func(k *Cache) { k.log = l }
}

// Cache retrieves the JWKS document once at startup and serves the most
// recently fetched snapshot without blocking on network I/O. An optional
// background loop re-fetches periodically; a failed refresh keeps serving
// the stale set.
type Cache struct {
	url     string
	client  *http.Client
	log     *slog.Logger
	current atomic.Pointer[Set]
}

// New constructs a Cache for the given JWKS URL. No fetch happens until
// Fetch or Refresh is called.
func New(url string, opts ...Option) *Cache {
	k := &Cache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Current returns the most recently fetched snapshot, or nil before the
// first successful fetch. It never performs I/O.
func (k *Cache) Current() *Set {
	return k.current.Load()
}

// Fetch performs the initial retrieval. A failure here is fatal for the
// caller: the gateway cannot authenticate anything without keys.
func (k *Cache) Fetch(ctx context.Context) error {
	set, err := k.fetch(ctx)
	if err != nil {
		return err
	}
	k.current.Store(set)
	return nil
}

// Refresh re-fetches the document and swaps the snapshot wholesale. When the
// fetch fails and a previous set exists, the stale set keeps serving and the
// failure is reported as degraded mode.
func (k *Cache) Refresh(ctx context.Context) error {
	set, err := k.fetch(ctx)
	if err != nil {
		if k.current.Load() != nil {
			k.log.WarnContext(ctx, "keyset.refresh.degraded", slog.String("err", err.Error()))
			return err
		}
		return err
	}
	k.current.Store(set)
	k.log.DebugContext(ctx, "keyset.refresh.ok", slog.Int("keys", set.Len()))
	return nil
}

// Run re-fetches on the given interval until ctx is canceled. It always
// returns ctx.Err(); refresh failures are logged, not returned.
func (k *Cache) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_ = k.Refresh(ctx)
		}
	}
}

func (k *Cache) fetch(ctx context.Context) (*Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, &FetchError{URL: k.url, Err: err}
	}
	res, err := k.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: k.url, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: k.url, Err: fmt.Errorf("unexpected status %d", res.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &FetchError{URL: k.url, Err: err}
	}

	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return nil, &FetchError{URL: k.url, Err: fmt.Errorf("parse jwks: %w", err)}
	}
	if len(jwks.Keys) == 0 {
		return nil, &FetchError{URL: k.url, Err: errors.New("jwks document contains no keys")}
	}

	keys := make(map[string]jose.JSONWebKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return nil, &FetchError{URL: k.url, Err: errors.New("jwks document contains no usable keys")}
	}
	return &Set{keys: keys}, nil
}
