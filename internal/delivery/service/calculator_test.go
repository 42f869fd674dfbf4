package service

import (
	"testing"

	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/delivery/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteAt32KmUsesFortyKmTier(t *testing.T) {
	quote, err := QuoteForDistance(config.DefaultDeliveryConfig(), 32)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), quote.Fee)
	assert.Equal(t, 40.0, quote.TierMaxKm)
	assert.True(t, quote.RequiresMinOrder)
	assert.Equal(t, int64(3000), quote.MinOrderAmount)
	assert.False(t, quote.RequiresPrepaid)
}

func TestQuoteBoundaries(t *testing.T) {
	cfg := config.DefaultDeliveryConfig()

	q, err := QuoteForDistance(cfg, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(200), q.Fee)

	q, err = QuoteForDistance(cfg, 5.01)
	require.NoError(t, err)
	assert.Equal(t, int64(350), q.Fee)

	q, err = QuoteForDistance(cfg, 30)
	require.NoError(t, err)
	assert.False(t, q.RequiresMinOrder)

	q, err = QuoteForDistance(cfg, 45)
	require.NoError(t, err)
	assert.True(t, q.RequiresPrepaid)

	_, err = QuoteForDistance(cfg, 50.01)
	assert.ErrorIs(t, err, domain.ErrOutOfRange)
}

func TestFeeIsMonotonic(t *testing.T) {
	cfg := config.DefaultDeliveryConfig()
	var last int64
	for d := 0.0; d <= 50; d += 0.25 {
		q, err := QuoteForDistance(cfg, d)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, q.Fee, last, "distance %.2f", d)
		last = q.Fee
	}
}

func TestHaversineFromOrigin(t *testing.T) {
	cfg := config.DefaultDeliveryConfig()
	assert.Equal(t, 0.0, HaversineDistanceKm(cfg.Origin.Lat, cfg.Origin.Lng, cfg.Origin.Lat, cfg.Origin.Lng))

	// 0.2878 degrees of latitude is roughly 32 km.
	d := HaversineDistanceKm(cfg.Origin.Lat, cfg.Origin.Lng, cfg.Origin.Lat+0.2878, cfg.Origin.Lng)
	assert.InDelta(t, 32.0, d, 0.05)

	q, err := QuoteForPoint(cfg, cfg.Origin.Lat+0.2878, cfg.Origin.Lng)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), q.Fee)

	_, err = QuoteForPoint(cfg, 91, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidCoordinates)

	_, err = QuoteForPoint(cfg, cfg.Origin.Lat+1, cfg.Origin.Lng)
	assert.ErrorIs(t, err, domain.ErrOutOfRange)
}

func TestEnforceConstraints(t *testing.T) {
	far := domain.Quote{RequiresMinOrder: true, MinOrderAmount: 3000, RequiresPrepaid: true}

	assert.NoError(t, EnforceConstraints(far, 100, "deposit", false))
	assert.ErrorIs(t, EnforceConstraints(far, 2999, "full", true), domain.ErrMinOrderNotMet)
	assert.ErrorIs(t, EnforceConstraints(far, 3000, "deposit", true), domain.ErrPrepaymentRequired)
	assert.NoError(t, EnforceConstraints(far, 3000, "full", true))
}
