// ratelimit.go meters CLOB requests by endpoint category.
//
// Polymarket publishes per-category limits measured in requests per
// 10-second window. Each category gets a token bucket that refills
// continuously, so a ladder burst followed by its cancels spreads across the
// window instead of tripping the hard limit.
package exchange

import (
	"context"
	"sync"
	"time"
)

// Category selects which bucket a request draws from.
type Category int

const (
	CatOrder  Category = iota // POST /order
	CatCancel                 // DELETE /order(s), /cancel-all
	CatRead                   // GET /book, /data/orders
	numCategories
)

// limit is one category's budget: burst is the immediate allowance, rate the
// sustained refill in tokens per second.
type limit struct {
	burst float64
	rate  float64
}

// Budgets sit well under the published windows (3500/3000/1500 per 10s) so
// retries and the dashboard's reads never push a category to the edge.
var limits = [numCategories]limit{
	CatOrder:  {burst: 350, rate: 50},
	CatCancel: {burst: 300, rate: 30},
	CatRead:   {burst: 150, rate: 15},
}

// bucket is a continuously refilling token bucket. The clock is injectable
// for deterministic refill math in tests.
type bucket struct {
	mu    sync.Mutex
	lim   limit
	level float64
	last  time.Time
	clock func() time.Time
}

func newBucket(lim limit, clock func() time.Time) *bucket {
	return &bucket{
		lim:   lim,
		level: lim.burst,
		last:  clock(),
		clock: clock,
	}
}

// take refills to the current clock and consumes a token if one is
// available; otherwise it reports how long until one accrues.
func (b *bucket) take() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.level += now.Sub(b.last).Seconds() * b.lim.rate
	if b.level > b.lim.burst {
		b.level = b.lim.burst
	}
	b.last = now

	if b.level >= 1 {
		b.level--
		return 0, true
	}
	return time.Duration((1 - b.level) / b.lim.rate * float64(time.Second)), false
}

func (b *bucket) wait(ctx context.Context) error {
	for {
		d, ok := b.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimiter holds one bucket per endpoint category. Every trading call
// draws a token from its category before touching the HTTP client.
type RateLimiter struct {
	buckets [numCategories]*bucket
}

// NewRateLimiter builds buckets for the published CLOB limits.
func NewRateLimiter() *RateLimiter {
	return newRateLimiter(time.Now)
}

func newRateLimiter(clock func() time.Time) *RateLimiter {
	rl := &RateLimiter{}
	for cat, lim := range limits {
		rl.buckets[cat] = newBucket(lim, clock)
	}
	return rl
}

// Wait blocks until the category has a token or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context, cat Category) error {
	return rl.buckets[cat].wait(ctx)
}
