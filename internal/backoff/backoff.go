// Package backoff computes retry delays for failed tasks.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes exponential backoff with a capped ceiling and bounded
// random jitter. Jitter spreads retries so many tasks failing at once do
// not come back in one synchronized storm.
type Policy struct {
	// Base is the delay for the first retry.
	Base time.Duration
	// Ceiling caps the exponential growth.
	Ceiling time.Duration
	// JitterFraction bounds the random offset as a fraction of the
	// computed delay, in [0, 1].
	JitterFraction float64

	// rng is swappable for deterministic tests.
	rng *rand.Rand
}

// Default returns the policy used when none is configured.
func Default() Policy {
	return Policy{
		Base:           2 * time.Second,
		Ceiling:        5 * time.Minute,
		JitterFraction: 0.2,
	}
}

// WithRand returns a copy of the policy using the given source, for tests.
func (p Policy) WithRand(rng *rand.Rand) Policy {
	p.rng = rng
	return p
}

// Delay returns the wait before retry number attempt (1-based). The
// pre-jitter delay is monotonically non-decreasing in attempt up to the
// ceiling, and jitter never produces a negative delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Ceiling {
			d = p.Ceiling
			break
		}
	}
	if d > p.Ceiling {
		d = p.Ceiling
	}

	if p.JitterFraction > 0 {
		span := time.Duration(float64(d) * p.JitterFraction)
		if span > 0 {
			// offset in [-span, +span]
			offset := time.Duration(p.intn(int64(2*span))) - span
			d += offset
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (p Policy) intn(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if p.rng != nil {
		return p.rng.Int63n(n)
	}
	return rand.Int63n(n)
}
