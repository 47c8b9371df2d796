package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Env            string
	LogLevel       string
	MetricsAddr    string
	OperatorSecret string

	// Booking back end
	BaseURL       string
	CSRFToken     string
	BearerToken   string
	LoginURL      string
	RetryAttempts int
	RetryDelay    time.Duration
	HTTPTimeout   time.Duration

	// Duplicate-submission guard
	GuardBackend      string
	MinInterval       time.Duration
	Retention         time.Duration
	ReleaseDelay      time.Duration
	FingerprintFields []string

	// Background monitors
	HeartbeatInterval    time.Duration
	UsagePollInterval    time.Duration
	SubscriptionInterval time.Duration

	// Organization context normally embedded in the page by the back end.
	OrgID                 string
	OrgSubscriptionStatus string
	OrgTrialEndsAt        string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Submission audit log; empty disables it.
	DatabaseURL string

	// Operator alerts for warning and error notices
	AlertEmailProvider string
	AlertEmailTo       string
	AlertEmailFrom     string
	SendGridAPIKey     string
	AWSRegion          string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9102"),
		OperatorSecret: getEnv("OPS_JWT_SECRET", ""),

		BaseURL:       strings.TrimRight(getEnv("BOOKING_BASE_URL", "http://localhost:5000"), "/"),
		CSRFToken:     getEnv("BOOKING_CSRF_TOKEN", ""),
		BearerToken:   getEnv("BOOKING_BEARER_TOKEN", ""),
		LoginURL:      getEnv("BOOKING_LOGIN_URL", "/auth/login"),
		RetryAttempts: getEnvAsInt("BOOKING_RETRY_ATTEMPTS", 3),
		RetryDelay:    getEnvAsDuration("BOOKING_RETRY_DELAY", time.Second),
		HTTPTimeout:   getEnvAsDuration("BOOKING_HTTP_TIMEOUT", 30*time.Second),

		GuardBackend:      strings.ToLower(strings.TrimSpace(getEnv("GUARD_BACKEND", "memory"))),
		MinInterval:       getEnvAsDuration("BOOKING_MIN_INTERVAL", 2*time.Second),
		Retention:         getEnvAsDuration("BOOKING_RETENTION", 5*time.Minute),
		ReleaseDelay:      getEnvAsDuration("BOOKING_RELEASE_DELAY", 5*time.Second),
		FingerprintFields: getEnvAsList("BOOKING_FINGERPRINT_FIELDS"),

		HeartbeatInterval:    getEnvAsDuration("HEARTBEAT_INTERVAL", time.Minute),
		UsagePollInterval:    getEnvAsDuration("USAGE_POLL_INTERVAL", 2*time.Minute),
		SubscriptionInterval: getEnvAsDuration("SUBSCRIPTION_POLL_INTERVAL", 5*time.Minute),

		OrgID:                 getEnv("ORG_ID", ""),
		OrgSubscriptionStatus: strings.ToLower(getEnv("ORG_SUBSCRIPTION_STATUS", "")),
		OrgTrialEndsAt:        getEnv("ORG_TRIAL_ENDS_AT", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		AlertEmailProvider: strings.ToLower(strings.TrimSpace(getEnv("ALERT_EMAIL_PROVIDER", ""))),
		AlertEmailTo:       getEnv("ALERT_EMAIL_TO", ""),
		AlertEmailFrom:     getEnv("ALERT_EMAIL_FROM", ""),
		SendGridAPIKey:     getEnv("SENDGRID_API_KEY", ""),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks. nil when unset.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
