// Package config loads xtrace's process-wide configuration from the
// environment exactly once at startup into an immutable structure; the
// rate limiter and project id are derived from it
// at that moment and never hot-reloaded.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Auth          AuthConfig
	Limits        LimitsConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	BindAddr         string
	DefaultProjectID string
}

type StorageConfig struct {
	DatabaseURL string
}

// AuthConfig holds the two accepted credential formats. PublicKey and
// SecretKey are optional; Basic auth is only accepted when both are set.
type AuthConfig struct {
	BearerToken string
	PublicKey   string
	SecretKey   string
}

type LimitsConfig struct {
	RateLimitQPS   float64
	RateLimitBurst int
}

type ObservabilityConfig struct {
	OTel OTelConfig
}

type OTelConfig struct {
	Enabled                bool
	Endpoint               string
	Insecure               bool
	ServiceName            string
	TracesEnabled          bool
	MetricsEnabled         bool
	SamplingRatio          float64
	ExportTimeoutMS        int
	MetricExportIntervalMS int
}

const (
	defaultBindAddr         = "127.0.0.1:8742"
	defaultProjectID        = "default"
	defaultRateLimitQPS     = 20
	defaultRateLimitBurst   = 40
	defaultOTELEndpoint     = "localhost:4318"
	defaultOTELServiceName  = "xtrace"
	defaultOTELSampling     = 1.0
	defaultOTELExportMS     = 3000
	defaultOTELMetricExpMS  = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			BindAddr:         defaultBindAddr,
			DefaultProjectID: defaultProjectID,
		},
		Limits: LimitsConfig{
			RateLimitQPS:   defaultRateLimitQPS,
			RateLimitBurst: defaultRateLimitBurst,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSampling,
				ExportTimeoutMS:        defaultOTELExportMS,
				MetricExportIntervalMS: defaultOTELMetricExpMS,
			},
		},
	}
}

// Load reads Config from the environment. There is no file form; every
// setting is a single env var, matching the no-YAML ambient stack.
func Load() (Config, error) {
	cfg := Default()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Storage.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if strings.TrimSpace(cfg.Auth.BearerToken) == "" {
		return errors.New("API_BEARER_TOKEN is required")
	}
	if strings.TrimSpace(cfg.Server.BindAddr) == "" {
		return errors.New("BIND_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.Server.DefaultProjectID) == "" {
		return errors.New("DEFAULT_PROJECT_ID must not be empty")
	}
	if (cfg.Auth.PublicKey == "") != (cfg.Auth.SecretKey == "") {
		return errors.New("XTRACE_PUBLIC_KEY and XTRACE_SECRET_KEY must both be set or both be empty")
	}
	if cfg.Limits.RateLimitQPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_QPS must be > 0 (got %v)", cfg.Limits.RateLimitQPS)
	}
	if cfg.Limits.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be > 0 (got %d)", cfg.Limits.RateLimitBurst)
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability otel endpoint is required when otel is enabled")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability otel service name is required when otel is enabled")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability otel requires traces and/or metrics enabled when otel is enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability otel sampling ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability otel export timeout must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability otel metric export interval must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("API_BEARER_TOKEN"); v != "" {
		cfg.Auth.BearerToken = v
	}
	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.Server.BindAddr = v
	}
	if v := os.Getenv("DEFAULT_PROJECT_ID"); v != "" {
		cfg.Server.DefaultProjectID = v
	}

	// XTRACE_* wins; fall back to the legacy LANGFUSE_* names.
	cfg.Auth.PublicKey = firstNonEmpty(os.Getenv("XTRACE_PUBLIC_KEY"), os.Getenv("LANGFUSE_PUBLIC_KEY"))
	cfg.Auth.SecretKey = firstNonEmpty(os.Getenv("XTRACE_SECRET_KEY"), os.Getenv("LANGFUSE_SECRET_KEY"))

	if v := os.Getenv("RATE_LIMIT_QPS"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_QPS: %w", err)
		}
		cfg.Limits.RateLimitQPS = parsed
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
		}
		cfg.Limits.RateLimitBurst = parsed
	}

	return applyOTelEnv(cfg)
}

func applyOTelEnv(cfg *Config) error {
	configured := false
	sdkDisabledSet := false

	if v := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !disabled
		sdkDisabledSet = true
		configured = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Observability.OTel.Endpoint = v
		configured = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = parsed
		configured = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		cfg.Observability.OTel.ServiceName = v
		configured = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); v != "" {
		enabled, err := otelExporterEnabled(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		configured = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); v != "" {
		enabled, err := otelExporterEnabled(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		configured = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = parsed
		configured = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = parsed
		configured = true
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = parsed
		configured = true
	}

	if configured && !sdkDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
