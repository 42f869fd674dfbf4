package observability

import (
	"strings"

	"github.com/smallbiznis/duka/internal/config"
)

const (
	productionSamplingRatio = 0.1
	defaultServiceName      = "duka"
)

// Config is what the logger, tracer and meter providers need from the
// application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig maps config.Config onto telemetry settings. Outside production
// every request is sampled so a single STK round trip can be followed end to
// end; production samples a tenth unless OTEL_SAMPLING_RATIO says otherwise.
func LoadConfig(cfg config.Config) Config {
	t := cfg.Telemetry

	ratio := t.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 1
		if cfg.IsProduction() {
			ratio = productionSamplingRatio
		}
	}

	protocol := t.OtelProtocol
	switch protocol {
	case "grpc", "http", "http/protobuf":
	default:
		protocol = "grpc"
	}

	return Config{
		ServiceName:          orDefault(cfg.AppName, defaultServiceName),
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             orDefault(t.LogLevel, "info"),
		LogFormat:            orDefault(t.LogFormat, "json"),
		OtelEnabled:          t.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on caller stacks and console-friendly output.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
