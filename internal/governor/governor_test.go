package governor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGovernor(t *testing.T, dailyLimit, concurrencyLimit int64, opts ...Option) (*miniredis.Miniredis, *RedisGovernor) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisGovernor(client, "test:", dailyLimit, concurrencyLimit, opts...)
}

func TestDailyQuota(t *testing.T) {
	_, g := setupGovernor(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := g.CanSendMore(ctx, 1, 1)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, g.RecordSend(ctx, 1))
	}

	ok, err := g.CanSendMore(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, ok, "quota exhausted after three sends")

	// Another tenant has its own budget.
	ok, err = g.CanSendMore(ctx, 2, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDailyQuotaCoversWholeBatch(t *testing.T) {
	_, g := setupGovernor(t, 5, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, g.RecordSend(ctx, 1))
	}

	// One unit left: a single send fits, a batch of five does not.
	ok, err := g.CanSendMore(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.CanSendMore(ctx, 1, 5)
	require.NoError(t, err)
	assert.False(t, ok, "batch larger than the remaining quota must be refused")
}

func TestDailyQuotaDisabled(t *testing.T) {
	_, g := setupGovernor(t, 0, 0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, g.RecordSend(ctx, 1))
	}
	ok, err := g.CanSendMore(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok, "zero limit means unlimited")
}

func TestDailyQuotaResetsAtMidnightUTC(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	current := day1
	_, g := setupGovernor(t, 1, 0, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	require.NoError(t, g.RecordSend(ctx, 1))
	ok, err := g.CanSendMore(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// The window is keyed on the UTC date, so the next day starts fresh.
	current = day1.Add(2 * time.Hour)
	ok, err = g.CanSendMore(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrencyCeiling(t *testing.T) {
	_, g := setupGovernor(t, 0, 2)
	ctx := context.Background()

	ok, err := g.CanStartConcurrentCampaign(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.CanStartConcurrentCampaign(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.CanStartConcurrentCampaign(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrencyCeilingDisabled(t *testing.T) {
	_, g := setupGovernor(t, 0, 0)

	ok, err := g.CanStartConcurrentCampaign(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAccountCoolDown(t *testing.T) {
	mr, g := setupGovernor(t, 0, 0)
	ctx := context.Background()

	limited, err := g.IsAccountRateLimited(ctx, 10)
	require.NoError(t, err)
	assert.False(t, limited)

	require.NoError(t, g.CoolDownAccount(ctx, 10, 5*time.Minute))

	limited, err = g.IsAccountRateLimited(ctx, 10)
	require.NoError(t, err)
	assert.True(t, limited)

	// Another account is unaffected.
	limited, err = g.IsAccountRateLimited(ctx, 20)
	require.NoError(t, err)
	assert.False(t, limited)

	// The window expires on its own.
	mr.FastForward(6 * time.Minute)
	limited, err = g.IsAccountRateLimited(ctx, 10)
	require.NoError(t, err)
	assert.False(t, limited)
}
