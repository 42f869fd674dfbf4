package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/duka/internal/config"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
)

const (
	JobReconcile = "reconcile"
	JobExpire    = "expire"
	JobPurge     = "idempotency_purge"
)

const (
	minBatchSize       = 1
	maxBatchSize       = 500
	minLookbackMinutes = 1
	maxLookbackMinutes = 1440
)

// Config controls sweep cadence and batch sizes.
type Config struct {
	Enabled               bool
	RunInterval           time.Duration
	ReconcileBatchSize    int
	ReconcileLookbackMins int
	ExpiryTimeout         time.Duration
	ExpiryStatus          orderdomain.PaymentStatus
	ExpireBatchSize       int
	SweepTTL              time.Duration
	// PurgeRetention keeps expired idempotency records around this long
	// before the purge job deletes them.
	PurgeRetention time.Duration
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		RunInterval:           time.Minute,
		ReconcileBatchSize:    50,
		ReconcileLookbackMins: 60,
		ExpiryTimeout:         10 * time.Minute,
		ExpiryStatus:          orderdomain.StatusFailed,
		ExpireBatchSize:       maxBatchSize,
		SweepTTL:              5 * time.Minute,
		PurgeRetention:        time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:               cfg.Scheduler.Enabled,
		RunInterval:           cfg.Scheduler.RunInterval,
		ReconcileBatchSize:    cfg.Scheduler.ReconcileBatchSize,
		ReconcileLookbackMins: cfg.Scheduler.ReconcileLookbackMins,
		ExpiryTimeout:         cfg.Payment.ExpiryTimeout,
		ExpiryStatus:          orderdomain.PaymentStatus(cfg.Payment.ExpiryStatus),
		SweepTTL:              cfg.Idempotency.SweepTTL,
		PurgeRetention:        cfg.Idempotency.PurgeRetention,
		EnabledJobs:           cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = defaults.ReconcileBatchSize
	}
	c.ReconcileBatchSize = ClampBatchSize(c.ReconcileBatchSize)
	if c.ReconcileLookbackMins <= 0 {
		c.ReconcileLookbackMins = defaults.ReconcileLookbackMins
	}
	c.ReconcileLookbackMins = ClampLookbackMinutes(c.ReconcileLookbackMins)
	if c.ExpiryTimeout <= 0 {
		c.ExpiryTimeout = defaults.ExpiryTimeout
	}
	switch orderdomain.PaymentStatus(strings.ToLower(string(c.ExpiryStatus))) {
	case orderdomain.StatusExpired:
		c.ExpiryStatus = orderdomain.StatusExpired
	default:
		c.ExpiryStatus = orderdomain.StatusFailed
	}
	if c.ExpireBatchSize <= 0 {
		c.ExpireBatchSize = defaults.ExpireBatchSize
	}
	if c.SweepTTL <= 0 {
		c.SweepTTL = defaults.SweepTTL
	}
	if c.PurgeRetention <= 0 {
		c.PurgeRetention = defaults.PurgeRetention
	}
	return c
}

// ClampBatchSize bounds a reconcile batch to 1..500.
func ClampBatchSize(n int) int {
	return clamp(n, minBatchSize, maxBatchSize)
}

// ClampLookbackMinutes bounds the reconcile window to 1..1440 minutes.
func ClampLookbackMinutes(n int) int {
	return clamp(n, minLookbackMinutes, maxLookbackMinutes)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
