package config

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DeliveryTier is a distance band with a flat fee in KES.
type DeliveryTier struct {
	MaxKm float64 `mapstructure:"maxKm" json:"maxKm"`
	Fee   int64   `mapstructure:"fee" json:"fee"`
}

type DeliveryOrigin struct {
	Name string  `mapstructure:"name" json:"name"`
	Lat  float64 `mapstructure:"lat" json:"lat"`
	Lng  float64 `mapstructure:"lng" json:"lng"`
}

type DeliveryConfig struct {
	Origin              DeliveryOrigin `mapstructure:"origin" json:"origin"`
	Tiers               []DeliveryTier `mapstructure:"tiers" json:"tiers"`
	MinOrderThresholdKm float64        `mapstructure:"minOrderThresholdKm" json:"minOrderThresholdKm"`
	MinOrderAmount      int64          `mapstructure:"minOrderAmount" json:"minOrderAmount"`
	PrepaidThresholdKm  float64        `mapstructure:"prepaidThresholdKm" json:"prepaidThresholdKm"`
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Origin: DeliveryOrigin{Name: "Nairobi CBD", Lat: -1.2864, Lng: 36.8172},
		Tiers: []DeliveryTier{
			{MaxKm: 5, Fee: 200},
			{MaxKm: 10, Fee: 350},
			{MaxKm: 20, Fee: 500},
			{MaxKm: 30, Fee: 800},
			{MaxKm: 40, Fee: 1000},
			{MaxKm: 50, Fee: 1300},
		},
		MinOrderThresholdKm: 30,
		MinOrderAmount:      3000,
		PrepaidThresholdKm:  40,
	}
}

type DeliveryConfigHolder struct {
	current atomic.Value // holds DeliveryConfig
}

// NewStaticDeliveryConfigHolder wraps a fixed config without file watching.
func NewStaticDeliveryConfigHolder(cfg DeliveryConfig) *DeliveryConfigHolder {
	holder := &DeliveryConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewDeliveryConfigHolder() (*DeliveryConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("delivery")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/duka/config")
	v.AddConfigPath("/etc/duka")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DUKA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		return NewStaticDeliveryConfigHolder(DefaultDeliveryConfig()), nil
	}

	cfg := DefaultDeliveryConfig()
	if err := v.UnmarshalKey("delivery", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateDeliveryConfig(cfg); err != nil {
		return nil, err
	}
	sortTiers(cfg.Tiers)

	holder := NewStaticDeliveryConfigHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultDeliveryConfig()
		if err := v.UnmarshalKey("delivery", &updated); err != nil {
			log.Printf("[delivery-config] reload failed: %v", err)
			return
		}
		if err := ValidateDeliveryConfig(updated); err != nil {
			log.Printf("[delivery-config] invalid config ignored: %v", err)
			return
		}
		sortTiers(updated.Tiers)
		holder.current.Store(updated)
		log.Printf("[delivery-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *DeliveryConfigHolder) Get() DeliveryConfig {
	return h.current.Load().(DeliveryConfig)
}

func ValidateDeliveryConfig(cfg DeliveryConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("delivery.tiers cannot be empty")
	}
	for i, tier := range cfg.Tiers {
		if tier.MaxKm <= 0 {
			return fmt.Errorf("delivery.tiers[%d].maxKm must be positive", i)
		}
		if tier.Fee < 0 {
			return fmt.Errorf("delivery.tiers[%d].fee must not be negative", i)
		}
	}

	// fee(d) must not drop as the distance grows
	sorted := append([]DeliveryTier(nil), cfg.Tiers...)
	sortTiers(sorted)
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.MaxKm == prev.MaxKm {
			return fmt.Errorf("delivery.tiers has duplicate maxKm %v", cur.MaxKm)
		}
		if cur.Fee < prev.Fee {
			return fmt.Errorf("delivery.tiers fee for maxKm %v is lower than for maxKm %v", cur.MaxKm, prev.MaxKm)
		}
	}
	if cfg.Origin.Lat < -90 || cfg.Origin.Lat > 90 || cfg.Origin.Lng < -180 || cfg.Origin.Lng > 180 {
		return errors.New("delivery.origin is out of range")
	}
	return nil
}

func sortTiers(tiers []DeliveryTier) {
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MaxKm < tiers[j].MaxKm })
}
