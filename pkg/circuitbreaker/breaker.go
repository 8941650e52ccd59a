// Package circuitbreaker tracks consecutive failures against a dependency
// and temporarily blocks calls once a threshold is crossed, letting a single
// probe through after a cooldown.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the circuit is open and the call is blocked.
var ErrOpen = errors.New("circuit open")

// State of the breaker.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // blocking calls
	HalfOpen              // cooldown elapsed, probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards a single dependency.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	now         func() time.Time
}

// New creates a breaker. Non-positive threshold defaults to 5, non-positive
// cooldown to 30s.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Do runs fn if the circuit allows it and records the result. When the
// circuit is open it returns ErrOpen without calling fn.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State returns the current state, promoting Open to HalfOpen once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastFailure) > b.cooldown {
		b.state = HalfOpen
	}
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) > b.cooldown {
			b.state = HalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		b.state = Closed
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
	}
}
