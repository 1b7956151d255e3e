package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/patronage/internal/config"
)

// Config is the slice of application config the telemetry providers need.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel           string
	LogFormat          string
	SlowQueryThreshold time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "patronage"
	}
	t := cfg.Telemetry
	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             t.LogLevel,
		LogFormat:            t.LogFormat,
		SlowQueryThreshold:   t.SlowQueryThreshold,
		OtelEnabled:          t.OtelEnabled,
		OtelExporterEndpoint: t.OtelEndpoint,
		OtelExporterProtocol: t.OtelProtocol,
		OtelSamplingRatio:    t.OtelSamplingRatio,
	}
}

// Debug turns on stack traces in request logs.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
