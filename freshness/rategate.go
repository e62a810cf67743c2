package freshness

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/continuumlabs/syncstore/key"
)

// RateGate smooths bursts of freshness checks for the same key under a
// MinAge-style policy: MinAge already blocks a fetch while the cached
// value is young enough, but a storm of concurrent callers hitting the
// boundary at once (e.g. a UI re-rendering on every frame) can still
// produce a thundering herd of "just barely stale" fetches. RateGate
// wraps one golang.org/x/time/rate.Limiter per key, so only a bounded
// rate of fetch attempts per key is allowed through regardless of
// caller burst size. Pagination's APPEND/PREPEND MinAge smoothing
// reuses this same gate.
type RateGate struct {
	mu       sync.Mutex
	limiters map[uint64]*rate.Limiter
	every    time.Duration
	burst    int
}

// NewRateGate creates a gate allowing at most one attempt per `every`
// duration per key, with an initial burst allowance of burst.
func NewRateGate(every time.Duration, burst int) *RateGate {
	if burst <= 0 {
		burst = 1
	}
	return &RateGate{limiters: make(map[uint64]*rate.Limiter), every: every, burst: burst}
}

// Allow reports whether a fetch attempt for k may proceed right now.
func (g *RateGate) Allow(k key.Key) bool {
	return g.limiterFor(k).Allow()
}

func (g *RateGate) limiterFor(k key.Key) *rate.Limiter {
	h := k.StableHash()
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[h]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.every), g.burst)
		g.limiters[h] = l
	}
	return l
}
