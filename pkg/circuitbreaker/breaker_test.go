package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func TestOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := New(3, time.Minute)

	for range 3 {
		if err := b.Do(failing); !errors.Is(err, errBoom) {
			t.Fatalf("Do() = %v, want %v", err, errBoom)
		}
	}
	if got := b.State(); got != Open {
		t.Fatalf("state after threshold failures = %v, want open", got)
	}

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Do() while open = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn was called while circuit open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := New(3, time.Minute)

	b.Do(failing)
	b.Do(failing)
	b.Do(succeeding)
	b.Do(failing)
	b.Do(failing)

	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed after interleaved success", got)
	}
}

func TestHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := New(1, time.Minute)
	clock := time.Now()
	b.now = func() time.Time { return clock }

	b.Do(failing)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}

	clock = clock.Add(2 * time.Minute)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", got)
	}

	if err := b.Do(succeeding); err != nil {
		t.Fatalf("probe Do() = %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New(5, time.Minute)
	clock := time.Now()
	b.now = func() time.Time { return clock }

	for range 5 {
		b.Do(failing)
	}
	clock = clock.Add(2 * time.Minute)

	if err := b.Do(failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe Do() = %v, want %v", err, errBoom)
	}
	if got := b.State(); got != Open {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	// The failed probe restarts the cooldown.
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("Do() right after failed probe = %v, want ErrOpen", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
