package repository

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/duka/internal/idempotency/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "duka"), mr
}

func TestRedisStoreClaimThenReplay(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	claim, err := store.Claim(ctx, domain.ScopeSTKCallback, "ws_CO_1", time.Hour)
	require.NoError(t, err)
	require.True(t, claim.Acquired)
	require.NotEmpty(t, claim.Token)
	assert.True(t, mr.Exists("duka:idem:stk_callback:ws_CO_1"))

	held, err := store.Claim(ctx, domain.ScopeSTKCallback, "ws_CO_1", time.Hour)
	require.NoError(t, err)
	require.False(t, held.Acquired)
	require.NotNil(t, held.Existing)
	assert.Equal(t, domain.StateInProgress, held.Existing.State)

	result := json.RawMessage(`{"outcome":"settled"}`)
	require.NoError(t, store.Complete(ctx, domain.ScopeSTKCallback, "ws_CO_1", claim.Token, result, 24*time.Hour))
	assert.Equal(t, 24*time.Hour, mr.TTL("duka:idem:stk_callback:ws_CO_1"))

	replay, err := store.Claim(ctx, domain.ScopeSTKCallback, "ws_CO_1", time.Hour)
	require.NoError(t, err)
	require.False(t, replay.Acquired)
	require.NotNil(t, replay.Existing)
	assert.Equal(t, domain.StateCompleted, replay.Existing.State)
	assert.JSONEq(t, string(result), string(replay.Existing.Result))
}

func TestRedisStoreRejectsForeignToken(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	claim, err := store.Claim(ctx, domain.ScopeExpire, "29000000", time.Minute)
	require.NoError(t, err)
	require.True(t, claim.Acquired)

	err = store.Complete(ctx, domain.ScopeExpire, "29000000", "someone-else", json.RawMessage(`{}`), time.Minute)
	assert.ErrorIs(t, err, domain.ErrClaimLost)

	require.NoError(t, store.Release(ctx, domain.ScopeExpire, "29000000", "someone-else"))
	assert.True(t, mr.Exists("duka:idem:expire:29000000"), "a foreign token must not release the claim")

	require.NoError(t, store.Release(ctx, domain.ScopeExpire, "29000000", claim.Token))
	assert.False(t, mr.Exists("duka:idem:expire:29000000"))

	again, err := store.Claim(ctx, domain.ScopeExpire, "29000000", time.Minute)
	require.NoError(t, err)
	assert.True(t, again.Acquired)
}

func TestRedisStoreTakeoverAfterTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	first, err := store.Claim(ctx, domain.ScopeReconcile, "29000001", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	mr.FastForward(6 * time.Minute)

	second, err := store.Claim(ctx, domain.ScopeReconcile, "29000001", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, second.Acquired)
	assert.NotEqual(t, first.Token, second.Token)

	// the abandoned owner can no longer finish
	err = store.Complete(ctx, domain.ScopeReconcile, "29000001", first.Token, json.RawMessage(`{}`), time.Minute)
	assert.ErrorIs(t, err, domain.ErrClaimLost)
	require.NoError(t, store.Complete(ctx, domain.ScopeReconcile, "29000001", second.Token, json.RawMessage(`{"checked":1}`), time.Minute))
}

func TestRedisStoreConcurrentClaimsAcquireOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := store.Claim(ctx, domain.ScopeC2B, "QGH7", time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claim.Acquired {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
}
