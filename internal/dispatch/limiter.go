package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// accountLimiter throttles one account: a token bucket for send rate plus a
// semaphore bounding in-flight sends.
type accountLimiter struct {
	bucket *rate.Limiter
	slots  chan struct{}
}

// LimiterRegistry hands out per-account limiters. Accounts are created lazily
// and shared across campaign runners so an account bound to two running
// campaigns is still throttled as one.
type LimiterRegistry struct {
	rate     rate.Limit
	burst    int
	parallel int

	mu       sync.Mutex
	accounts map[int64]*accountLimiter
}

func NewLimiterRegistry(perSecond float64, burst, parallel int) *LimiterRegistry {
	if burst < 1 {
		burst = 1
	}
	if parallel < 1 {
		parallel = 1
	}
	return &LimiterRegistry{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		parallel: parallel,
		accounts: make(map[int64]*accountLimiter),
	}
}

func (r *LimiterRegistry) limiter(accountID int64) *accountLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.accounts[accountID]
	if !ok {
		l = &accountLimiter{
			bucket: rate.NewLimiter(r.rate, r.burst),
			slots:  make(chan struct{}, r.parallel),
		}
		r.accounts[accountID] = l
	}
	return l
}

// Acquire blocks until the account has both a rate token and a parallel slot,
// or the context ends. The returned release func must be called after the
// send finishes.
func (r *LimiterRegistry) Acquire(ctx context.Context, accountID int64) (func(), error) {
	l := r.limiter(accountID)

	if err := l.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
