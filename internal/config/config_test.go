package config

import (
	"testing"
)

func clearXtraceEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"DATABASE_URL", "API_BEARER_TOKEN", "BIND_ADDR", "DEFAULT_PROJECT_ID",
		"XTRACE_PUBLIC_KEY", "XTRACE_SECRET_KEY", "LANGFUSE_PUBLIC_KEY", "LANGFUSE_SECRET_KEY",
		"RATE_LIMIT_QPS", "RATE_LIMIT_BURST",
		"OTEL_SDK_DISABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
		"OTEL_SERVICE_NAME", "OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER",
		"OTEL_TRACES_SAMPLER_ARG", "OTEL_EXPORTER_OTLP_TIMEOUT", "OTEL_METRIC_EXPORT_INTERVAL",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoadMissingEnvUsesDefaults(t *testing.T) {
	clearXtraceEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.BindAddr != defaultBindAddr {
		t.Fatalf("bind addr=%q, want %q", cfg.Server.BindAddr, defaultBindAddr)
	}
	if cfg.Server.DefaultProjectID != defaultProjectID {
		t.Fatalf("default project id=%q, want %q", cfg.Server.DefaultProjectID, defaultProjectID)
	}
	if cfg.Limits.RateLimitQPS != defaultRateLimitQPS {
		t.Fatalf("rate limit qps=%v, want %v", cfg.Limits.RateLimitQPS, defaultRateLimitQPS)
	}
	if cfg.Limits.RateLimitBurst != defaultRateLimitBurst {
		t.Fatalf("rate limit burst=%d, want %d", cfg.Limits.RateLimitBurst, defaultRateLimitBurst)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatal("otel.enabled=true, want false by default")
	}
	if cfg.Auth.PublicKey != "" || cfg.Auth.SecretKey != "" {
		t.Fatal("expected no public/secret key by default")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearXtraceEnv(t)

	t.Setenv("DATABASE_URL", "postgres://localhost/xtrace")
	t.Setenv("API_BEARER_TOKEN", "secret-token")
	t.Setenv("BIND_ADDR", "0.0.0.0:9090")
	t.Setenv("DEFAULT_PROJECT_ID", "acme")
	t.Setenv("XTRACE_PUBLIC_KEY", "pk_test")
	t.Setenv("XTRACE_SECRET_KEY", "sk_test")
	t.Setenv("RATE_LIMIT_QPS", "50")
	t.Setenv("RATE_LIMIT_BURST", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Storage.DatabaseURL != "postgres://localhost/xtrace" {
		t.Fatalf("database url=%q", cfg.Storage.DatabaseURL)
	}
	if cfg.Auth.BearerToken != "secret-token" {
		t.Fatalf("bearer token=%q", cfg.Auth.BearerToken)
	}
	if cfg.Server.BindAddr != "0.0.0.0:9090" {
		t.Fatalf("bind addr=%q", cfg.Server.BindAddr)
	}
	if cfg.Server.DefaultProjectID != "acme" {
		t.Fatalf("default project id=%q", cfg.Server.DefaultProjectID)
	}
	if cfg.Auth.PublicKey != "pk_test" || cfg.Auth.SecretKey != "sk_test" {
		t.Fatalf("public/secret key=%q/%q", cfg.Auth.PublicKey, cfg.Auth.SecretKey)
	}
	if cfg.Limits.RateLimitQPS != 50 {
		t.Fatalf("rate limit qps=%v, want 50", cfg.Limits.RateLimitQPS)
	}
	if cfg.Limits.RateLimitBurst != 100 {
		t.Fatalf("rate limit burst=%d, want 100", cfg.Limits.RateLimitBurst)
	}
}

func TestLoadFallsBackToLegacyLangfuseKeys(t *testing.T) {
	clearXtraceEnv(t)
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk_legacy")
	t.Setenv("LANGFUSE_SECRET_KEY", "sk_legacy")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Auth.PublicKey != "pk_legacy" || cfg.Auth.SecretKey != "sk_legacy" {
		t.Fatalf("public/secret key=%q/%q, want legacy fallback", cfg.Auth.PublicKey, cfg.Auth.SecretKey)
	}
}

func TestLoadInvalidRateLimitQPS(t *testing.T) {
	clearXtraceEnv(t)
	t.Setenv("RATE_LIMIT_QPS", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error=nil, want invalid RATE_LIMIT_QPS error")
	}
}

func TestValidateRequiresDatabaseURLAndBearerToken(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() error=nil, want missing DATABASE_URL/API_BEARER_TOKEN error")
	}

	cfg.Storage.DatabaseURL = "postgres://localhost/xtrace"
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() error=nil, want missing API_BEARER_TOKEN error")
	}

	cfg.Auth.BearerToken = "token"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateRejectsOnlyOneBasicAuthKey(t *testing.T) {
	cfg := Default()
	cfg.Storage.DatabaseURL = "postgres://localhost/xtrace"
	cfg.Auth.BearerToken = "token"
	cfg.Auth.PublicKey = "pk_only"

	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() error=nil, want mismatched public/secret key error")
	}
}

func TestValidateRejectsNonPositiveRateLimits(t *testing.T) {
	cfg := Default()
	cfg.Storage.DatabaseURL = "postgres://localhost/xtrace"
	cfg.Auth.BearerToken = "token"
	cfg.Limits.RateLimitQPS = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("Validate() error=nil, want RATE_LIMIT_QPS error")
	}
}
