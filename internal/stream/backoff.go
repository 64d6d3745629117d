package stream

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff yields reconnect delays that grow exponentially up to a cap, with
// full jitter: each delay is drawn uniformly from [0, current interval].
type Backoff struct {
	mu  sync.Mutex
	exp *backoff.ExponentialBackOff
	rng func(n int64) int64
}

// NewBackoff creates a backoff starting at initial, multiplying by multiplier
// each attempt and capped at max.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         max,
	}
	exp.Reset()
	return &Backoff{
		exp: exp,
		rng: rand.Int64N, //nolint:gosec // non-crypto backoff jitter
	}
}

// Next returns the delay before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	ceiling := b.exp.NextBackOff()
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(b.rng(int64(ceiling) + 1))
}

// Reset starts the sequence over from the initial interval.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exp.Reset()
}
