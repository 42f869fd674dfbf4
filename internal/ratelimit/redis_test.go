package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, "duka:rl"), mr
}

func TestRedisLimiterExactLimit(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLimiter(t)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "stk:order:42", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}

	mr.FastForward(20 * time.Second)
	res, err := l.Allow(ctx, "stk:order:42", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 40*time.Second, res.RetryAfter)

	// denials do not push the counter past the limit
	count, err := mr.Get("duka:rl:stk:order:42")
	require.NoError(t, err)
	assert.Equal(t, "3", count)

	mr.FastForward(41 * time.Second)
	res, err = l.Allow(ctx, "stk:order:42", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t)

	res, err := l.Allow(ctx, "stk:ip:10.0.0.1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "stk:ip:10.0.0.1", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)

	res, err = l.Allow(ctx, "stk:ip:10.0.0.2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiterBehindPaymentLimiter(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLimiter(t)
	p := &PaymentLimiter{limiter: l, ipLimit: 10, ipWindow: time.Minute, orderLimit: 1, orderWindow: time.Minute}

	denial, err := p.AllowInitiation(ctx, "10.0.0.1", 42)
	require.NoError(t, err)
	assert.Nil(t, denial)

	denial, err = p.AllowInitiation(ctx, "10.0.0.2", 42)
	require.NoError(t, err)
	require.NotNil(t, denial)
	assert.Equal(t, "order", denial.Scope)
	assert.Equal(t, time.Minute, denial.Result.RetryAfter)
}

func TestRedisLimiterValidation(t *testing.T) {
	l, _ := newRedisLimiter(t)
	_, err := l.Allow(context.Background(), "k", 0, time.Minute)
	require.Error(t, err)

	var unset *RedisLimiter
	_, err = unset.Allow(context.Background(), "k", 1, time.Minute)
	require.Error(t, err)
}
