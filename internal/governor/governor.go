// Package governor enforces tenant-level resource ceilings. The dispatch
// engine consults it before claiming work and reports every successful send
// back so the day window stays accurate.
package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Governor is the tenant resource authority consulted by the dispatch engine.
// Implementations must be safe for concurrent use.
type Governor interface {
	// CanSendMore reports whether the tenant has at least n units of daily
	// send quota left.
	CanSendMore(ctx context.Context, tenantID int64, n int) (bool, error)
	// CanStartConcurrentCampaign reports whether the tenant may run one more
	// campaign in parallel.
	CanStartConcurrentCampaign(ctx context.Context, tenantID int64, running int64) (bool, error)
	// RecordSend consumes one unit of the tenant's daily quota.
	RecordSend(ctx context.Context, tenantID int64) error
	// IsAccountRateLimited reports whether the account is inside a provider
	// imposed cool-down and must be skipped by selection.
	IsAccountRateLimited(ctx context.Context, accountID int64) (bool, error)
}

// RedisGovernor tracks day-window send counters and account cool-downs in
// redis so every dispatcher replica sees the same ledger.
type RedisGovernor struct {
	client           redis.UniversalClient
	keyPrefix        string
	dailyLimit       int64
	concurrencyLimit int64
	now              func() time.Time
}

type Option func(*RedisGovernor)

func WithClock(now func() time.Time) Option {
	return func(g *RedisGovernor) { g.now = now }
}

func NewRedisGovernor(client redis.UniversalClient, keyPrefix string, dailyLimit, concurrencyLimit int64, opts ...Option) *RedisGovernor {
	g := &RedisGovernor{
		client:           client,
		keyPrefix:        keyPrefix,
		dailyLimit:       dailyLimit,
		concurrencyLimit: concurrencyLimit,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *RedisGovernor) sendKey(tenantID int64) string {
	return fmt.Sprintf("%sgovernor:sends:%d:%s", g.keyPrefix, tenantID, g.now().UTC().Format("2006-01-02"))
}

func (g *RedisGovernor) coolDownKey(accountID int64) string {
	return fmt.Sprintf("%sgovernor:cooldown:%d", g.keyPrefix, accountID)
}

func (g *RedisGovernor) CanSendMore(ctx context.Context, tenantID int64, n int) (bool, error) {
	if g.dailyLimit <= 0 {
		return true, nil
	}
	if n < 1 {
		n = 1
	}
	used, err := g.client.Get(ctx, g.sendKey(tenantID)).Int64()
	if err == redis.Nil {
		used = 0
	} else if err != nil {
		return false, err
	}
	return used+int64(n) <= g.dailyLimit, nil
}

func (g *RedisGovernor) CanStartConcurrentCampaign(ctx context.Context, tenantID int64, running int64) (bool, error) {
	if g.concurrencyLimit <= 0 {
		return true, nil
	}
	return running < g.concurrencyLimit, nil
}

func (g *RedisGovernor) RecordSend(ctx context.Context, tenantID int64) error {
	key := g.sendKey(tenantID)
	pipe := g.client.TxPipeline()
	pipe.Incr(ctx, key)
	// Keyed per day; keep it a little past the window so late webhook
	// reconciliation can still read it.
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// CoolDownAccount marks the account rate-limited for the given window.
// Called when the transport reports a provider RATE_LIMITED response.
func (g *RedisGovernor) CoolDownAccount(ctx context.Context, accountID int64, window time.Duration) error {
	return g.client.Set(ctx, g.coolDownKey(accountID), 1, window).Err()
}

func (g *RedisGovernor) IsAccountRateLimited(ctx context.Context, accountID int64) (bool, error) {
	n, err := g.client.Exists(ctx, g.coolDownKey(accountID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
