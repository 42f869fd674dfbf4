package service

import (
	"math"

	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/delivery/domain"
)

const earthRadiusKm = 6371

// HaversineDistanceKm returns the great-circle distance rounded to two decimals.
func HaversineDistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return math.Round(earthRadiusKm*c*100) / 100
}

// QuoteForDistance maps a distance to the first tier whose bound covers it.
// Tiers must be sorted ascending; the holder guarantees that.
func QuoteForDistance(cfg config.DeliveryConfig, distanceKm float64) (domain.Quote, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) {
		return domain.Quote{}, domain.ErrInvalidCoordinates
	}
	for _, tier := range cfg.Tiers {
		if tier.MaxKm < distanceKm {
			continue
		}
		quote := domain.Quote{
			DistanceKm: distanceKm,
			Fee:        tier.Fee,
			TierMaxKm:  tier.MaxKm,
		}
		if cfg.MinOrderThresholdKm > 0 && distanceKm > cfg.MinOrderThresholdKm {
			quote.RequiresMinOrder = true
			quote.MinOrderAmount = cfg.MinOrderAmount
		}
		if cfg.PrepaidThresholdKm > 0 && distanceKm > cfg.PrepaidThresholdKm {
			quote.RequiresPrepaid = true
		}
		return quote, nil
	}
	return domain.Quote{}, domain.ErrOutOfRange
}

// QuoteForPoint measures from the configured origin and quotes the result.
func QuoteForPoint(cfg config.DeliveryConfig, lat, lng float64) (domain.Quote, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 || math.IsNaN(lat) || math.IsNaN(lng) {
		return domain.Quote{}, domain.ErrInvalidCoordinates
	}
	distance := HaversineDistanceKm(cfg.Origin.Lat, cfg.Origin.Lng, lat, lng)
	return QuoteForDistance(cfg, distance)
}

// EnforceConstraints returns the first advisory constraint a deferred order violates.
// Immediate orders are not subject to the advisory thresholds.
func EnforceConstraints(quote domain.Quote, subtotal int64, plan string, scheduled bool) error {
	if !scheduled {
		return nil
	}
	if quote.RequiresMinOrder && subtotal < quote.MinOrderAmount {
		return domain.ErrMinOrderNotMet
	}
	if quote.RequiresPrepaid && plan != "full" {
		return domain.ErrPrepaymentRequired
	}
	return nil
}
