// Package auth is the authentication collaborator boundary. It resolves a
// session cookie into credentials and exposes the effective principal; the
// orchestration core trusts the resolved credentials verbatim. Login flows
// live outside this service.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// CookieName is the session cookie consumed by the HTTP middleware.
const CookieName = "patchwork_session"

// Credentials identify the principal behind a request.
type Credentials struct {
	Username string
	Token    string // forwarded to the remote execution backend when set
}

// Valid reports whether the credentials carry an effective principal.
func (c Credentials) Valid() bool {
	return c.Username != ""
}

type session struct {
	creds     Credentials
	expiresAt time.Time
}

// Sessions is an in-memory session registry with TTL expiry.
type Sessions struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]session
	now      func() time.Time
}

// NewSessions creates a session registry. A non-positive ttl defaults to 24h.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{
		ttl:      ttl,
		sessions: make(map[string]session),
		now:      time.Now,
	}
}

// Create registers credentials and returns the opaque session id.
func (s *Sessions) Create(creds Credentials) string {
	id := newSessionID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = session{creds: creds, expiresAt: s.now().Add(s.ttl)}
	return id
}

// Resolve returns the credentials for a session id, or false when the
// session is unknown or expired. Expired sessions are removed lazily.
func (s *Sessions) Resolve(ctx context.Context, id string) (Credentials, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Credentials{}, false
	}

	if s.now().After(sess.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return Credentials{}, false
	}
	return sess.creds, true
}

// Revoke removes a session.
func (s *Sessions) Revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func newSessionID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

type contextKey struct{}

// WithCredentials stores credentials in the request context.
func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, contextKey{}, creds)
}

// FromContext returns the credentials stored by the auth middleware.
func FromContext(ctx context.Context) (Credentials, bool) {
	creds, ok := ctx.Value(contextKey{}).(Credentials)
	return creds, ok && creds.Valid()
}
