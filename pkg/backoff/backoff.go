// Package backoff provides exponential backoff with optional jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule. Zero values use defaults.
type Policy struct {
	Initial time.Duration // first delay (default 250ms)
	Max     time.Duration // delay ceiling (default 10s)
	Factor  float64       // growth per attempt (default 2)
	Jitter  float64       // fraction of the delay randomized, 0..1 (default 0)
}

// Default returns the schedule used for transient backend errors.
func Default() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the wait before retry number attempt. Attempt 1 waits
// roughly Initial, attempt 2 roughly Initial*Factor, and so on up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}

	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(factor, float64(attempt-1))
	if d > float64(ceiling) {
		d = float64(ceiling)
	}

	if p.Jitter > 0 {
		jitter := p.Jitter
		if jitter > 1 {
			jitter = 1
		}
		// Spread the delay across [d*(1-jitter), d] to avoid retry lockstep.
		d = d * (1 - jitter*rand.Float64())
	}

	return time.Duration(d)
}
