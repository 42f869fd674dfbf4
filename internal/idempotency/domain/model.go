package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// OutcomeState reports how Run resolved a claim.
type OutcomeState string

const (
	OutcomeFresh      OutcomeState = "fresh"
	OutcomeReplay     OutcomeState = "replay"
	OutcomeInProgress OutcomeState = "in_progress"
)

const (
	ScopeSTKInitiate = "stk_initiate"
	ScopeSTKCallback = "stk_callback"
	ScopeC2B         = "c2b_confirmation"
	ScopeReconcile   = "reconcile"
	ScopeExpire      = "expire"
)

// Record is one claim on (scope, key).
type Record struct {
	Scope     string          `json:"scope"`
	Key       string          `json:"key"`
	Token     string          `json:"token"`
	State     State           `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Claim is the answer of a store to a claim attempt. Existing is set only
// when Acquired is false.
type Claim struct {
	Acquired bool
	Token    string
	Existing *Record
}

// Store persists claims. Claim must be atomic: of several concurrent callers
// for the same absent or expired key exactly one acquires it.
type Store interface {
	Claim(ctx context.Context, scope, key string, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, scope, key, token string, result json.RawMessage, ttl time.Duration) error
	Release(ctx context.Context, scope, key, token string) error
}

// Purger deletes records whose expiry passed before cutoff. Stores whose
// records expire on their own (Redis) do not implement it.
type Purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type Outcome struct {
	State  OutcomeState    `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Decode unmarshals the stored result into v.
func (o Outcome) Decode(v any) error {
	if len(o.Result) == 0 {
		return ErrNoResult
	}
	return json.Unmarshal(o.Result, v)
}

type Work func(ctx context.Context) (any, error)

type Guard interface {
	Run(ctx context.Context, scope, key string, ttl time.Duration, work Work) (Outcome, error)
}

var (
	ErrInvalidScope = errors.New("idempotency_invalid_scope")
	ErrInvalidKey   = errors.New("idempotency_invalid_key")
	ErrInvalidTTL   = errors.New("idempotency_invalid_ttl")
	ErrClaimLost    = errors.New("idempotency_claim_lost")
	ErrNoResult     = errors.New("idempotency_no_result")
)
