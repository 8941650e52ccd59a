package auth

import (
	"context"
	"testing"
	"time"
)

func TestCredentialsValid(t *testing.T) {
	t.Parallel()

	if (Credentials{}).Valid() {
		t.Error("empty credentials must not be valid")
	}
	if !(Credentials{Username: "alice"}).Valid() {
		t.Error("credentials with a username are valid")
	}
}

func TestSessionsCreateAndResolve(t *testing.T) {
	t.Parallel()

	s := NewSessions(time.Hour)
	id := s.Create(Credentials{Username: "alice", Token: "tok"})
	if id == "" {
		t.Fatal("Create() returned empty session id")
	}

	creds, ok := s.Resolve(context.Background(), id)
	if !ok {
		t.Fatal("Resolve() did not find the session")
	}
	if creds.Username != "alice" || creds.Token != "tok" {
		t.Errorf("resolved credentials = %+v", creds)
	}

	if _, ok := s.Resolve(context.Background(), "unknown"); ok {
		t.Error("unknown session id resolved")
	}
}

func TestSessionsAreUnique(t *testing.T) {
	t.Parallel()

	s := NewSessions(time.Hour)
	a := s.Create(Credentials{Username: "alice"})
	b := s.Create(Credentials{Username: "alice"})
	if a == b {
		t.Error("two sessions share an id")
	}
}

func TestSessionsExpire(t *testing.T) {
	t.Parallel()

	s := NewSessions(time.Hour)
	current := time.Now()
	s.now = func() time.Time { return current }

	id := s.Create(Credentials{Username: "alice"})

	current = current.Add(2 * time.Hour)
	if _, ok := s.Resolve(context.Background(), id); ok {
		t.Error("expired session resolved")
	}

	// Lazy expiry removed it; a second lookup also misses.
	if _, ok := s.Resolve(context.Background(), id); ok {
		t.Error("expired session still present after lazy removal")
	}
}

func TestSessionsRevoke(t *testing.T) {
	t.Parallel()

	s := NewSessions(time.Hour)
	id := s.Create(Credentials{Username: "alice"})
	s.Revoke(id)

	if _, ok := s.Resolve(context.Background(), id); ok {
		t.Error("revoked session resolved")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithCredentials(context.Background(), Credentials{Username: "alice"})
	creds, ok := FromContext(ctx)
	if !ok || creds.Username != "alice" {
		t.Errorf("FromContext() = %+v, %v", creds, ok)
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Error("bare context should carry no credentials")
	}

	// Stored-but-invalid credentials do not count as authenticated.
	ctx = WithCredentials(context.Background(), Credentials{})
	if _, ok := FromContext(ctx); ok {
		t.Error("invalid credentials resolved from context")
	}
}
