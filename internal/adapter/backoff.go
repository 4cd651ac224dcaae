package adapter

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// jitterBackoff yields base * 2^attempt plus uniform jitter in [0, base).
// Rate-limit responses penalize the next wait by swapping in a longer base.
// It implements backoff.BackOff so it can drive backoff.Retry.
type jitterBackoff struct {
	mu        sync.Mutex
	base      time.Duration
	rateBase  time.Duration
	attempt   int
	penalized bool
}

var _ backoff.BackOff = (*jitterBackoff)(nil)

func newJitterBackoff(base, rateLimitBase time.Duration) *jitterBackoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if rateLimitBase < base {
		rateLimitBase = 4 * base
	}
	return &jitterBackoff{base: base, rateBase: rateLimitBase}
}

func (b *jitterBackoff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.base
	if b.penalized {
		base = b.rateBase
		b.penalized = false
	}

	wait := base*(1<<b.attempt) + time.Duration(rand.Int63n(int64(base)))
	b.attempt++
	return wait
}

func (b *jitterBackoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.penalized = false
	b.mu.Unlock()
}

// penalize makes the next wait use the rate-limit base.
func (b *jitterBackoff) penalize() {
	b.mu.Lock()
	b.penalized = true
	b.mu.Unlock()
}
