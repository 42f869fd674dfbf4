package repository

import (
	"context"

	"github.com/smallbiznis/duka/internal/delivery/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListZones(ctx context.Context, db *gorm.DB) ([]domain.Zone, error) {
	var zones []domain.Zone
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, fee, delivery_window, allows_cake, allows_pizza, scheduled_only, created_at, updated_at
		FROM delivery_zones
		ORDER BY fee ASC, name ASC`,
	).Scan(&zones).Error
	if err != nil {
		return nil, err
	}
	return zones, nil
}

func (r *repo) InsertZone(ctx context.Context, db *gorm.DB, zone *domain.Zone) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO delivery_zones (id, code, name, fee, delivery_window, allows_cake, allows_pizza, scheduled_only, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		zone.ID,
		zone.Code,
		zone.Name,
		zone.Fee,
		zone.Window,
		zone.AllowsCake,
		zone.AllowsPizza,
		zone.ScheduledOnly,
		zone.CreatedAt,
		zone.UpdatedAt,
	).Error
}
