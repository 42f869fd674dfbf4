package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Quote is the delivery fee and the advisory constraints for one destination.
type Quote struct {
	DistanceKm       float64 `json:"distanceKm"`
	Fee              int64   `json:"fee"`
	TierMaxKm        float64 `json:"tierMaxKm"`
	RequiresMinOrder bool    `json:"requiresMinOrder"`
	MinOrderAmount   int64   `json:"minOrderAmount,omitempty"`
	RequiresPrepaid  bool    `json:"requiresPrepaid"`
}

// Zone is named delivery reference data shown at checkout.
type Zone struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	Code          string       `json:"code"`
	Name          string       `json:"name"`
	Fee           int64        `json:"fee"`
	Window        string       `json:"window" gorm:"column:delivery_window"`
	AllowsCake    bool         `json:"allowsCake"`
	AllowsPizza   bool         `json:"allowsPizza"`
	ScheduledOnly bool         `json:"scheduledOnly"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (Zone) TableName() string { return "delivery_zones" }

type CreateZoneRequest struct {
	Name          string `json:"name"`
	Fee           int64  `json:"fee"`
	Window        string `json:"window"`
	AllowsCake    *bool  `json:"allowsCake"`
	AllowsPizza   *bool  `json:"allowsPizza"`
	ScheduledOnly bool   `json:"scheduledOnly"`
}

type Repository interface {
	ListZones(ctx context.Context, db *gorm.DB) ([]Zone, error)
	InsertZone(ctx context.Context, db *gorm.DB, zone *Zone) error
}

// ZoneCache holds immutable zone snapshots until they go stale.
type ZoneCache interface {
	Get(ctx context.Context) ([]Zone, bool)
	Set(ctx context.Context, zones []Zone, ttl time.Duration)
	Invalidate(ctx context.Context)
}

type Service interface {
	Quote(ctx context.Context, lat, lng float64) (Quote, error)
	EnforceConstraints(quote Quote, subtotal int64, plan string, scheduled bool) error
	Zones(ctx context.Context) ([]Zone, error)
	ZoneByCode(ctx context.Context, code string) (*Zone, error)
	CreateZone(ctx context.Context, req CreateZoneRequest) (*Zone, error)
}

var (
	ErrOutOfRange         = errors.New("delivery_out_of_range")
	ErrInvalidCoordinates = errors.New("invalid_coordinates")
	ErrMinOrderNotMet     = errors.New("minimum_order_not_met")
	ErrPrepaymentRequired = errors.New("prepayment_required")
	ErrZoneNotFound       = errors.New("zone_not_found")
	ErrInvalidZone        = errors.New("invalid_zone")
	ErrZoneExists         = errors.New("zone_exists")
)
