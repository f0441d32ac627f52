// Package backoff implements the reconnect controller's jittered exponential
// delay sequence, grounded on the same doubling+jitter shape used by the
// connection manager in the retrieval pack (capped exponential backoff with
// a random perturbation applied to each chosen delay).
package backoff

import (
	"math/rand"
	"time"
)

const (
	base     = 1 * time.Second
	capDelay = 60 * time.Second

	// jitterLow and jitterLow+jitterSpan bound the multiplicative factor
	// applied to each chosen delay: [0.75, 1.25].
	jitterLow  = 0.75
	jitterSpan = 0.5
)

// Sequence produces the reconnect controller's backoff durations: attempt 1
// is the first post-failure sleep. The base duration doubles each attempt
// (1, 2, 4, 8, 16, 32s) and then holds at the 60s cap. There is no hard
// attempt cap; callers may request arbitrarily large attempt numbers.
type Sequence struct {
	rng *rand.Rand
}

// New returns a Sequence driven by its own random source, seeded from the
// current time. Pass a seeded *rand.Rand via NewWithSource for deterministic
// tests.
func New() *Sequence {
	return &Sequence{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWithSource returns a Sequence driven by the supplied random source,
// letting tests assert on jitter deterministically.
func NewWithSource(rng *rand.Rand) *Sequence {
	return &Sequence{rng: rng}
}

// BaseDelay returns the unjittered delay for the given attempt (1-indexed),
// useful for asserting the [1, 2, 4, 8, 16, 32, 60, 60, ...] sequence
// directly in tests.
func BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= capDelay {
			return capDelay
		}
	}
	return d
}

// Delay returns the jittered delay for the given attempt: BaseDelay(attempt)
// multiplied by a random factor in [0.75, 1.25].
func (s *Sequence) Delay(attempt int) time.Duration {
	factor := jitterLow + s.rng.Float64()*jitterSpan
	return time.Duration(float64(BaseDelay(attempt)) * factor)
}
