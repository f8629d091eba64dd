package observability

import (
	"strings"

	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/spf13/viper"
)

// Config holds observability settings read from the environment.
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

// LoadConfig layers OTEL_* and LOG_* variables over the application config.
// The traces-specific protocol variable wins over the generic one.
func LoadConfig(cfg config.Config) Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DEPLOYMENT_ENV", cfg.Environment)
	v.SetDefault("SERVICE_VERSION", cfg.AppVersion)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	v.SetDefault("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	v.SetDefault("OTEL_SAMPLING_RATIO", 0.1)

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "orderledger"
	}
	protocol := v.GetString("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")
	if strings.TrimSpace(protocol) == "" {
		protocol = v.GetString("OTEL_EXPORTER_OTLP_PROTOCOL")
	}

	ratio := v.GetFloat64("OTEL_SAMPLING_RATIO")
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(v.GetString("DEPLOYMENT_ENV")),
		Version:              strings.TrimSpace(v.GetString("SERVICE_VERSION")),
		LogLevel:             normalize(v.GetString("LOG_LEVEL")),
		LogFormat:            normalize(v.GetString("LOG_FORMAT")),
		OtelEnabled:          v.GetBool("OTEL_ENABLED"),
		OtelExporterEndpoint: strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OtelExporterProtocol: normalize(protocol),
		OtelSamplingRatio:    ratio,
	}
}

// Debug is on for debug logging and for non-production environments.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch normalize(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
