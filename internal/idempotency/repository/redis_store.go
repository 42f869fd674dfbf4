package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/duka/internal/idempotency/domain"
)

// Both scripts compare the stored token before touching the record so a
// caller whose claim expired cannot overwrite a newer owner.
const completeScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec["token"] ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`

const releaseScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec["token"] == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore keeps claims as JSON values; Redis key expiry stands in for the
// expires_at takeover of the SQL store.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	complete *redis.Script
	release  *redis.Script
	now      func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		complete: redis.NewScript(completeScript),
		release:  redis.NewScript(releaseScript),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) Claim(ctx context.Context, scope, key string, ttl time.Duration) (domain.Claim, error) {
	if s == nil || s.client == nil {
		return domain.Claim{}, errors.New("idempotency redis client not configured")
	}
	redisKey := s.key(scope, key)

	for attempt := 0; attempt < 2; attempt++ {
		token := uuid.NewString()
		rec := domain.Record{
			Scope:     scope,
			Key:       key,
			Token:     token,
			State:     domain.StateInProgress,
			ExpiresAt: s.now().Add(ttl),
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return domain.Claim{}, err
		}

		ok, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
		if err != nil {
			return domain.Claim{}, err
		}
		if ok {
			return domain.Claim{Acquired: true, Token: token}, nil
		}

		raw, err := s.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return domain.Claim{}, err
		}
		var existing domain.Record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return domain.Claim{}, err
		}
		return domain.Claim{Existing: &existing}, nil
	}
	return domain.Claim{}, domain.ErrClaimLost
}

func (s *RedisStore) Complete(ctx context.Context, scope, key, token string, result json.RawMessage, ttl time.Duration) error {
	rec := domain.Record{
		Scope:     scope,
		Key:       key,
		Token:     token,
		State:     domain.StateCompleted,
		Result:    result,
		ExpiresAt: s.now().Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	n, err := s.complete.Run(ctx, s.client, []string{s.key(scope, key)}, token, payload, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return s.release.Run(ctx, s.client, []string{s.key(scope, key)}, token).Err()
}

func (s *RedisStore) key(scope, key string) string {
	return fmt.Sprintf("%s:idem:%s:%s", s.prefix, scope, key)
}
