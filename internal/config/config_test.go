package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IDEMPOTENCY_BACKEND", "")
	t.Setenv("PAYMENT_EXPIRY_TIMEOUT", "")
	t.Setenv("RATE_LIMIT_IP_LIMIT", "")

	cfg := Load()

	assert.Equal(t, "sql", cfg.Idempotency.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Payment.ExpiryTimeout)
	assert.Equal(t, 10, cfg.RateLimit.IPLimit)
	assert.Equal(t, 3, cfg.RateLimit.OrderLimit)
	assert.Equal(t, 50, cfg.Payment.DefaultDepositPercent)
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("PAYMENT_EXPIRY_TIMEOUT", "15m")
	t.Setenv("RATE_LIMIT_IP_LIMIT", "25")
	t.Setenv("WEBHOOK_FAIL_CLOSED", "off")
	t.Setenv("SCHEDULER_JOBS", "reconcile, expire,")

	cfg := Load()

	assert.Equal(t, 15*time.Minute, cfg.Payment.ExpiryTimeout)
	assert.Equal(t, 25, cfg.RateLimit.IPLimit)
	assert.False(t, cfg.Webhook.FailClosedInProduction)
	assert.Equal(t, []string{"reconcile", "expire"}, cfg.Scheduler.EnabledJobs)
}

func TestLoadIgnoresInvalidDuration(t *testing.T) {
	t.Setenv("PAYMENT_EXPIRY_TIMEOUT", "soon")
	cfg := Load()
	assert.Equal(t, 10*time.Minute, cfg.Payment.ExpiryTimeout)
}

func validConfig() Config {
	return Config{
		Environment: "development",
		DBType:      "postgres",
		RateLimit:   RateLimitConfig{Backend: "memory"},
		Idempotency: IdempotencyConfig{Backend: "sql"},
		Payment:     PaymentConfig{DefaultDepositPercent: 50, ExpiryStatus: "failed"},
	}
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = "production"
	cfg.Webhook.FailClosedInProduction = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRON_SECRET")
	assert.Contains(t, err.Error(), "MPESA_WEBHOOK_SECRET")

	cfg.Cron.Secret = "cron"
	cfg.Webhook.SharedSecret = "hook"
	require.NoError(t, cfg.Validate())
}

func TestValidateDevelopmentAllowsMissingSecrets(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Idempotency.Backend = "etcd"
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Idempotency.Backend = "redis"
	require.Error(t, cfg.Validate())
	cfg.Redis.Addr = "localhost:6379"
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.Payment.ExpiryStatus = "cancelled"
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.DBType = "mysql"
	require.ErrorContains(t, cfg.Validate(), "DATABASE_TYPE")
	cfg.DBType = "sqlite"
	require.NoError(t, cfg.Validate())
}

func TestValidateDeliveryConfig(t *testing.T) {
	require.NoError(t, ValidateDeliveryConfig(DefaultDeliveryConfig()))

	bad := DefaultDeliveryConfig()
	bad.Tiers = nil
	require.Error(t, ValidateDeliveryConfig(bad))

	bad = DefaultDeliveryConfig()
	bad.Tiers = []DeliveryTier{{MaxKm: 0, Fee: 100}}
	require.Error(t, ValidateDeliveryConfig(bad))

	bad = DefaultDeliveryConfig()
	bad.Tiers = []DeliveryTier{{MaxKm: 10, Fee: 200}, {MaxKm: 5, Fee: 900}}
	require.ErrorContains(t, ValidateDeliveryConfig(bad), "lower than")
	assert.Equal(t, 10.0, bad.Tiers[0].MaxKm, "validation must not reorder the caller's tiers")

	bad = DefaultDeliveryConfig()
	bad.Tiers = []DeliveryTier{{MaxKm: 5, Fee: 200}, {MaxKm: 5, Fee: 300}}
	require.ErrorContains(t, ValidateDeliveryConfig(bad), "duplicate")

	ok := DefaultDeliveryConfig()
	ok.Tiers = []DeliveryTier{{MaxKm: 10, Fee: 350}, {MaxKm: 5, Fee: 200}, {MaxKm: 20, Fee: 350}}
	require.NoError(t, ValidateDeliveryConfig(ok))
}

func TestStaticDeliveryHolder(t *testing.T) {
	holder := NewStaticDeliveryConfigHolder(DefaultDeliveryConfig())
	assert.Len(t, holder.Get().Tiers, 6)
	assert.Equal(t, "Nairobi CBD", holder.Get().Origin.Name)
}
