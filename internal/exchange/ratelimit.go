// ratelimit.go implements per-venue token-bucket rate limiting.
//
// Each venue gets two independent buckets: one for market-data reads and one
// for order mutations. Buckets refill continuously at rate_per_sec up to
// capacity; order placement acquires with a short deadline so a congested
// bucket surfaces as a skipped attempt instead of an unbounded stall.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"perp-arb/internal/config"
	"perp-arb/pkg/types"
)

// Scope selects which of a venue's buckets an acquire debits.
type Scope string

const (
	ScopeMarketData Scope = "market_data"
	ScopeOrder      Scope = "order"
)

// ErrBurstExceeded is returned when a single acquire asks for more tokens
// than the bucket can ever hold. This is a configuration fault, not a
// transient condition.
var ErrBurstExceeded = errors.New("tokens requested exceed bucket capacity")

// BucketStats is a point-in-time view of one bucket, refilled to now.
type BucketStats struct {
	Rate     float64 `json:"rate"`
	Capacity float64 `json:"capacity"`
	Tokens   float64 `json:"tokens"`
}

type bucketKey struct {
	venue types.Venue
	scope Scope
}

// Limiter holds the per-(venue, scope) token buckets. Acquires against an
// unregistered key succeed immediately, so venues without published limits
// run unthrottled.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*rate.Limiter
}

// NewLimiter creates an empty limiter. Buckets are added via Register.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[bucketKey]*rate.Limiter)}
}

// NewLimiterFromConfig builds the four standard buckets from config.
func NewLimiterFromConfig(cfg config.RateLimitsConfig) (*Limiter, error) {
	l := NewLimiter()
	for _, reg := range []struct {
		venue types.Venue
		scope Scope
		b     config.BucketConfig
	}{
		{types.VenueA, ScopeMarketData, cfg.VenueA.MarketData},
		{types.VenueA, ScopeOrder, cfg.VenueA.Order},
		{types.VenueB, ScopeMarketData, cfg.VenueB.MarketData},
		{types.VenueB, ScopeOrder, cfg.VenueB.Order},
	} {
		if err := l.Register(reg.venue, reg.scope, reg.b.Rate, reg.b.Capacity); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Register adds a bucket that refills at ratePerSec up to capacity tokens.
func (l *Limiter) Register(venue types.Venue, scope Scope, ratePerSec, capacity float64) error {
	if ratePerSec <= 0 || capacity <= 0 {
		return fmt.Errorf("bucket %s/%s: rate and capacity must be > 0 (got %v, %v)",
			venue, scope, ratePerSec, capacity)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[bucketKey{venue, scope}] = rate.NewLimiter(rate.Limit(ratePerSec), int(capacity))
	return nil
}

func (l *Limiter) bucket(venue types.Venue, scope Scope) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[bucketKey{venue, scope}]
}

// Acquire debits n tokens, waiting up to timeout for refill. It returns true
// iff the tokens were debited. A timeout ≤ 0 never waits. Asking for more
// than the bucket's capacity fails with ErrBurstExceeded.
func (l *Limiter) Acquire(ctx context.Context, venue types.Venue, scope Scope, n int, timeout time.Duration) (bool, error) {
	lim := l.bucket(venue, scope)
	if lim == nil {
		return true, nil
	}
	if n > lim.Burst() {
		return false, fmt.Errorf("%w: %s/%s needs %d, capacity %d",
			ErrBurstExceeded, venue, scope, n, lim.Burst())
	}
	if timeout <= 0 {
		return lim.AllowN(time.Now(), n), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := lim.WaitN(waitCtx, n); err != nil {
		return false, nil
	}
	return true, nil
}

// TryAcquire debits n tokens without waiting.
func (l *Limiter) TryAcquire(venue types.Venue, scope Scope, n int) (bool, error) {
	lim := l.bucket(venue, scope)
	if lim == nil {
		return true, nil
	}
	if n > lim.Burst() {
		return false, fmt.Errorf("%w: %s/%s needs %d, capacity %d",
			ErrBurstExceeded, venue, scope, n, lim.Burst())
	}
	return lim.AllowN(time.Now(), n), nil
}

// Stats reports every bucket's rate, capacity, and current tokens.
func (l *Limiter) Stats() map[types.Venue]map[Scope]BucketStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[types.Venue]map[Scope]BucketStats)
	for key, lim := range l.buckets {
		if out[key.venue] == nil {
			out[key.venue] = make(map[Scope]BucketStats)
		}
		out[key.venue][key.scope] = BucketStats{
			Rate:     float64(lim.Limit()),
			Capacity: float64(lim.Burst()),
			Tokens:   lim.Tokens(),
		}
	}
	return out
}
