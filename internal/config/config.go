package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string
	Telemetry    TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis       RedisConfig
	Mpesa       MpesaConfig
	Webhook     WebhookConfig
	Cron        CronConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	Payment     PaymentConfig
	Scheduler   SchedulerConfig
	Bootstrap   BootstrapConfig
}

// TelemetryConfig feeds the logger and the OTLP tracer and meter providers.
// A negative SamplingRatio means "pick by environment".
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MpesaConfig struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	ShortCode         string
	PassKey           string
	CallbackURL       string
	ValidationURL     string
	ConfirmationURL   string
	TransactionType   string
	Timeout           time.Duration
	RegisterC2BOnBoot bool
}

// WebhookConfig controls inbound gateway callback authentication.
type WebhookConfig struct {
	SharedSecret           string
	HMACSecret             string
	FailClosedInProduction bool
}

type CronConfig struct {
	Secret string
}

type RateLimitConfig struct {
	Backend        string
	IPLimit        int
	IPWindow       time.Duration
	OrderLimit     int
	OrderWindow    time.Duration
	CleanupEvery   int
	RedisKeyPrefix string
}

type IdempotencyConfig struct {
	Backend        string
	CallbackTTL    time.Duration
	InitiateTTL    time.Duration
	SweepTTL       time.Duration
	PurgeRetention time.Duration
}

type PaymentConfig struct {
	DefaultDepositPercent int
	ExpiryTimeout         time.Duration
	ExpiryStatus          string
}

type SchedulerConfig struct {
	Enabled               bool
	RunInterval           time.Duration
	ReconcileBatchSize    int
	ReconcileLookbackMins int
	EnabledJobs           []string
	DeliveryZoneStaleness time.Duration
}

type BootstrapConfig struct {
	AdminName     string
	AdminPassword string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "duka"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", -1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "duka"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "duka.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Mpesa: MpesaConfig{
			BaseURL:           strings.TrimRight(getenv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"), "/"),
			ConsumerKey:       strings.TrimSpace(getenv("MPESA_CONSUMER_KEY", "")),
			ConsumerSecret:    strings.TrimSpace(getenv("MPESA_CONSUMER_SECRET", "")),
			ShortCode:         strings.TrimSpace(getenv("MPESA_SHORTCODE", "")),
			PassKey:           strings.TrimSpace(getenv("MPESA_PASSKEY", "")),
			CallbackURL:       strings.TrimSpace(getenv("MPESA_CALLBACK_URL", "")),
			ValidationURL:     strings.TrimSpace(getenv("MPESA_C2B_VALIDATION_URL", "")),
			ConfirmationURL:   strings.TrimSpace(getenv("MPESA_C2B_CONFIRMATION_URL", "")),
			TransactionType:   getenv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),
			Timeout:           getenvDuration("MPESA_TIMEOUT", 15*time.Second),
			RegisterC2BOnBoot: getenvBool("MPESA_REGISTER_C2B", false),
		},
		Webhook: WebhookConfig{
			SharedSecret:           strings.TrimSpace(getenv("MPESA_WEBHOOK_SECRET", "")),
			HMACSecret:             strings.TrimSpace(getenv("MPESA_WEBHOOK_HMAC_SECRET", "")),
			FailClosedInProduction: getenvBool("WEBHOOK_FAIL_CLOSED", true),
		},
		Cron: CronConfig{
			Secret: strings.TrimSpace(getenv("CRON_SECRET", "")),
		},
		RateLimit: RateLimitConfig{
			Backend:        strings.ToLower(getenv("RATE_LIMIT_BACKEND", "memory")),
			IPLimit:        getenvInt("RATE_LIMIT_IP_LIMIT", 10),
			IPWindow:       getenvDuration("RATE_LIMIT_IP_WINDOW", time.Minute),
			OrderLimit:     getenvInt("RATE_LIMIT_ORDER_LIMIT", 3),
			OrderWindow:    getenvDuration("RATE_LIMIT_ORDER_WINDOW", time.Minute),
			CleanupEvery:   getenvInt("RATE_LIMIT_CLEANUP_EVERY", 100),
			RedisKeyPrefix: getenv("RATE_LIMIT_KEY_PREFIX", "duka:rl"),
		},
		Idempotency: IdempotencyConfig{
			Backend:        strings.ToLower(getenv("IDEMPOTENCY_BACKEND", "sql")),
			CallbackTTL:    getenvDuration("IDEMPOTENCY_CALLBACK_TTL", 24*time.Hour),
			InitiateTTL:    getenvDuration("IDEMPOTENCY_INITIATE_TTL", 10*time.Minute),
			SweepTTL:       getenvDuration("IDEMPOTENCY_SWEEP_TTL", 5*time.Minute),
			PurgeRetention: getenvDuration("IDEMPOTENCY_PURGE_RETENTION", time.Hour),
		},
		Payment: PaymentConfig{
			DefaultDepositPercent: getenvInt("PAYMENT_DEPOSIT_PERCENT", 50),
			ExpiryTimeout:         getenvDuration("PAYMENT_EXPIRY_TIMEOUT", 10*time.Minute),
			ExpiryStatus:          strings.ToLower(getenv("PAYMENT_EXPIRY_STATUS", "failed")),
		},
		Scheduler: SchedulerConfig{
			Enabled:               getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:           getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			ReconcileBatchSize:    getenvInt("RECONCILE_BATCH_SIZE", 50),
			ReconcileLookbackMins: getenvInt("RECONCILE_LOOKBACK_MINUTES", 60),
			EnabledJobs:           parseList(getenv("SCHEDULER_JOBS", "")),
			DeliveryZoneStaleness: getenvDuration("DELIVERY_ZONE_STALENESS", time.Minute),
		},
		Bootstrap: BootstrapConfig{
			AdminName:     strings.TrimSpace(getenv("ADMIN_BOOTSTRAP_NAME", "")),
			AdminPassword: strings.TrimSpace(getenv("ADMIN_BOOTSTRAP_PASSWORD", "")),
		},
	}

	return cfg
}

// IsProduction reports whether the deployment must fail closed on missing secrets.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Validate rejects configurations that would silently weaken callback or cron security.
func (c Config) Validate() error {
	var errs []error
	if c.IsProduction() {
		if c.Cron.Secret == "" {
			errs = append(errs, errors.New("CRON_SECRET is required in production"))
		}
		if c.Webhook.FailClosedInProduction && c.Webhook.SharedSecret == "" && c.Webhook.HMACSecret == "" {
			errs = append(errs, errors.New("MPESA_WEBHOOK_SECRET or MPESA_WEBHOOK_HMAC_SECRET is required in production"))
		}
	}
	if c.Payment.DefaultDepositPercent <= 0 || c.Payment.DefaultDepositPercent > 100 {
		errs = append(errs, errors.New("PAYMENT_DEPOSIT_PERCENT must be within 1..100"))
	}
	switch c.Payment.ExpiryStatus {
	case "failed", "expired":
	default:
		errs = append(errs, errors.New("PAYMENT_EXPIRY_STATUS must be failed or expired"))
	}
	switch strings.ToLower(strings.TrimSpace(c.DBType)) {
	case "postgres", "sqlite":
	default:
		errs = append(errs, errors.New("DATABASE_TYPE must be postgres or sqlite"))
	}
	switch c.Idempotency.Backend {
	case "sql", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for redis idempotency backend"))
		}
	default:
		errs = append(errs, errors.New("IDEMPOTENCY_BACKEND must be sql, redis or memory"))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for redis rate limit backend"))
		}
	default:
		errs = append(errs, errors.New("RATE_LIMIT_BACKEND must be memory or redis"))
	}
	return errors.Join(errs...)
}

func provide() (Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var Module = fx.Module("config",
	fx.Provide(provide),
	fx.Provide(NewDeliveryConfigHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
