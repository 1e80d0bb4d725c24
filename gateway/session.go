package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evenscribe/umem-gateway/internal/jsonrpc"
)

// DefaultIdleTimeout is how long a session may sit without traffic before
// the reaper closes it.
const DefaultIdleTimeout = 5 * time.Minute

// Session is one client's protocol session on a transport. It is owned by
// the transport adapter that created it; the ordering mutex serializes
// message handling so a session's messages are processed in arrival order
// even when the client pipelines requests.
type Session struct {
	ID              string
	Subject         string
	Transport       string
	ProtocolVersion string
	CreatedAt       time.Time

	// order serializes dispatch within the session. Transports hold it for
	// the duration of each message.
	order sync.Mutex

	mu         sync.Mutex
	lastActive time.Time
	closed     bool

	out       chan *jsonrpc.Response
	done      chan struct{}
	closeOnce sync.Once
}

// Lock acquires the session's ordering mutex.
func (s *Session) Lock() { s.order.Lock() }

// Unlock releases the session's ordering mutex.
func (s *Session) Unlock() { s.order.Unlock() }

// Touch records activity so the idle reaper leaves the session alone.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive.Before(cutoff)
}

// Send queues a response for delivery on the session's server-to-client
// stream. It reports false when the session is closed or the stream is
// backed up; the message is dropped rather than blocking dispatch.
func (s *Session) Send(res *jsonrpc.Response) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.out <- res:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Messages exposes the server-to-client stream for the transport to drain.
func (s *Session) Messages() <-chan *jsonrpc.Response { return s.out }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session closed and wakes any stream writer.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// SessionManager tracks live sessions across a transport. Each transport
// owns its own manager; sessions never migrate between transports.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	log         *slog.Logger
}

// NewSessionManager constructs a manager with the given idle timeout.
// A non-positive timeout falls back to DefaultIdleTimeout.
func NewSessionManager(idleTimeout time.Duration, log *slog.Logger) *SessionManager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		log:         log,
	}
}

// Create registers a new session bound to the authenticated subject.
func (m *SessionManager) Create(subject, transport, protocolVersion string) *Session {
	now := time.Now()
	sess := &Session{
		ID:              uuid.NewString(),
		Subject:         subject,
		Transport:       transport,
		ProtocolVersion: protocolVersion,
		CreatedAt:       now,
		lastActive:      now,
		out:             make(chan *jsonrpc.Response, 16),
		done:            make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.log.Debug("session.create",
		slog.String("session_id", sess.ID),
		slog.String("transport", transport),
	)
	return sess
}

// Get resolves a session by id for the given subject. A session owned by a
// different subject is reported as absent; one authenticated caller must not
// be able to attach to another caller's session.
func (m *SessionManager) Get(id, subject string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || sess.Subject != subject {
		return nil, false
	}
	return sess, true
}

// Delete closes and forgets a session.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		sess.Close()
		m.log.Debug("session.delete", slog.String("session_id", id))
	}
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run reaps idle sessions until ctx is canceled, then closes every session.
func (m *SessionManager) Run(ctx context.Context) error {
	t := time.NewTicker(m.idleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return ctx.Err()
		case <-t.C:
			m.reap()
		}
	}
}

func (m *SessionManager) reap() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, sess := range m.sessions {
		if sess.idleSince(cutoff) {
			idle = append(idle, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range idle {
		sess.Close()
		m.log.Info("session.reap", slog.String("session_id", sess.ID))
	}
}

// CloseAll closes every live session. Used during shutdown after the drain
// grace period.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		all = append(all, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range all {
		sess.Close()
	}
}
