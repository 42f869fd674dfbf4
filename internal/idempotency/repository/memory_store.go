package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/idempotency/domain"
)

type memoryKey struct {
	scope string
	key   string
}

// MemoryStore is a process-local Store for single instances and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]domain.Record
	clock   clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		records: make(map[memoryKey]domain.Record),
		clock:   clk,
	}
}

func (s *MemoryStore) Claim(_ context.Context, scope, key string, ttl time.Duration) (domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	k := memoryKey{scope: scope, key: key}
	if rec, ok := s.records[k]; ok && now.Before(rec.ExpiresAt) {
		existing := rec
		return domain.Claim{Existing: &existing}, nil
	}

	token := uuid.NewString()
	s.records[k] = domain.Record{
		Scope:     scope,
		Key:       key,
		Token:     token,
		State:     domain.StateInProgress,
		ExpiresAt: now.Add(ttl),
	}
	return domain.Claim{Acquired: true, Token: token}, nil
}

func (s *MemoryStore) Complete(_ context.Context, scope, key, token string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{scope: scope, key: key}
	rec, ok := s.records[k]
	if !ok || rec.Token != token {
		return domain.ErrClaimLost
	}
	rec.State = domain.StateCompleted
	rec.Result = append(json.RawMessage(nil), result...)
	rec.ExpiresAt = s.clock.Now().Add(ttl)
	s.records[k] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, scope, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{scope: scope, key: key}
	if rec, ok := s.records[k]; ok && rec.Token == token {
		delete(s.records, k)
	}
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.records {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
