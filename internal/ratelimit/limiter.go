package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Result describes one fixed-window decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter counts requests per key in fixed windows. A denied request does not
// consume capacity.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

var (
	ErrEmptyKey      = errors.New("rate_limit_key_empty")
	ErrInvalidLimit  = errors.New("rate_limit_invalid_limit")
	ErrInvalidWindow = errors.New("rate_limit_invalid_window")
)

func validate(key string, limit int, window time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if limit <= 0 {
		return ErrInvalidLimit
	}
	if window <= 0 {
		return ErrInvalidWindow
	}
	return nil
}
