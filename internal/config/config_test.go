package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"ENV", "LOG_LEVEL", "BOOKING_BASE_URL", "BOOKING_RETRY_ATTEMPTS", "BOOKING_RETRY_DELAY",
		"BOOKING_MIN_INTERVAL", "BOOKING_RELEASE_DELAY", "BOOKING_FINGERPRINT_FIELDS", "GUARD_BACKEND",
	} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.RetryAttempts != 3 {
		t.Fatalf("expected 3 retry attempts, got %d", cfg.RetryAttempts)
	}
	if cfg.RetryDelay != time.Second {
		t.Fatalf("expected 1s retry delay, got %s", cfg.RetryDelay)
	}
	if cfg.MinInterval != 2*time.Second || cfg.ReleaseDelay != 5*time.Second {
		t.Fatalf("unexpected guard windows: min=%s release=%s", cfg.MinInterval, cfg.ReleaseDelay)
	}
	if cfg.Retention != 5*time.Minute {
		t.Fatalf("expected 5m retention, got %s", cfg.Retention)
	}
	if cfg.FingerprintFields != nil {
		t.Fatalf("expected nil fingerprint fields, got %v", cfg.FingerprintFields)
	}
	if cfg.GuardBackend != "memory" {
		t.Fatalf("expected memory guard backend, got %s", cfg.GuardBackend)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BOOKING_BASE_URL", "https://clinic.example.com/")
	t.Setenv("BOOKING_RETRY_ATTEMPTS", "5")
	t.Setenv("BOOKING_RETRY_DELAY", "250ms")
	t.Setenv("BOOKING_FINGERPRINT_FIELDS", "title, start_date ,,start_time")
	t.Setenv("GUARD_BACKEND", " Redis ")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("ORG_SUBSCRIPTION_STATUS", "TRIAL")
	t.Setenv("ALERT_EMAIL_PROVIDER", " SES ")
	cfg := Load()
	if cfg.AlertEmailProvider != "ses" {
		t.Fatalf("expected normalized alert provider, got %q", cfg.AlertEmailProvider)
	}
	if cfg.BaseURL != "https://clinic.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.BaseURL)
	}
	if cfg.RetryAttempts != 5 {
		t.Fatalf("expected retry override, got %d", cfg.RetryAttempts)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("expected delay override, got %s", cfg.RetryDelay)
	}
	if len(cfg.FingerprintFields) != 3 || cfg.FingerprintFields[1] != "start_date" {
		t.Fatalf("unexpected fields %v", cfg.FingerprintFields)
	}
	if cfg.GuardBackend != "redis" {
		t.Fatalf("expected redis backend, got %q", cfg.GuardBackend)
	}
	if !cfg.RedisTLS {
		t.Fatalf("expected redis tls enabled")
	}
	if cfg.OrgSubscriptionStatus != "trial" {
		t.Fatalf("expected lowercased status, got %s", cfg.OrgSubscriptionStatus)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("BOOKING_RETRY_ATTEMPTS", "three")
	t.Setenv("HEARTBEAT_INTERVAL", "soon")
	cfg := Load()
	if cfg.RetryAttempts != 3 {
		t.Fatalf("expected fallback attempts, got %d", cfg.RetryAttempts)
	}
	if cfg.HeartbeatInterval != time.Minute {
		t.Fatalf("expected fallback heartbeat, got %s", cfg.HeartbeatInterval)
	}
}
