package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/duka/internal/clock"
	"github.com/smallbiznis/duka/internal/config"
	"github.com/smallbiznis/duka/internal/delivery/domain"
	"github.com/smallbiznis/duka/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   domain.Repository
	Cache  domain.ZoneCache
	Clock  clock.Clock
	Holder *config.DeliveryConfigHolder
	Config config.Config
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	cache     domain.ZoneCache
	clock     clock.Clock
	holder    *config.DeliveryConfigHolder
	staleness time.Duration
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("delivery.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		cache:     p.Cache,
		clock:     p.Clock,
		holder:    p.Holder,
		staleness: ClampZoneStaleness(p.Config.Scheduler.DeliveryZoneStaleness),
	}
}

func (s *Service) Quote(ctx context.Context, lat, lng float64) (domain.Quote, error) {
	quote, err := QuoteForPoint(s.holder.Get(), lat, lng)
	if err != nil {
		s.log.Debug("delivery quote rejected",
			zap.Float64("lat", lat),
			zap.Float64("lng", lng),
			zap.Error(err),
		)
		return domain.Quote{}, err
	}
	return quote, nil
}

func (s *Service) EnforceConstraints(quote domain.Quote, subtotal int64, plan string, scheduled bool) error {
	return EnforceConstraints(quote, subtotal, plan, scheduled)
}

// Zones serves the cached snapshot and reloads it once the staleness window passes.
func (s *Service) Zones(ctx context.Context) ([]domain.Zone, error) {
	if zones, ok := s.cache.Get(ctx); ok {
		return zones, nil
	}
	zones, err := s.repo.ListZones(ctx, s.db)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, zones, s.staleness)
	return zones, nil
}

func (s *Service) ZoneByCode(ctx context.Context, code string) (*domain.Zone, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.ErrZoneNotFound
	}
	zones, err := s.Zones(ctx)
	if err != nil {
		return nil, err
	}
	for i := range zones {
		if zones[i].Code == code {
			zone := zones[i]
			return &zone, nil
		}
	}
	return nil, domain.ErrZoneNotFound
}

func (s *Service) CreateZone(ctx context.Context, req domain.CreateZoneRequest) (*domain.Zone, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || req.Fee < 0 {
		return nil, domain.ErrInvalidZone
	}
	code := slug.Make(name)
	if code == "" {
		return nil, domain.ErrInvalidZone
	}

	now := s.clock.Now()
	zone := &domain.Zone{
		ID:            s.genID.Generate(),
		Code:          code,
		Name:          name,
		Fee:           req.Fee,
		Window:        strings.TrimSpace(req.Window),
		AllowsCake:    boolOrDefault(req.AllowsCake, true),
		AllowsPizza:   boolOrDefault(req.AllowsPizza, true),
		ScheduledOnly: req.ScheduledOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.InsertZone(ctx, s.db, zone); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrZoneExists
		}
		return nil, err
	}
	s.cache.Invalidate(ctx)
	s.log.Info("delivery zone created", zap.String("code", code), zap.Int64("fee", zone.Fee))
	return zone, nil
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
