// Package bootstrap wires the booking client from configuration.
package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/booking-guard/internal/audit"
	"github.com/wolfman30/booking-guard/internal/bookingapi"
	appconfig "github.com/wolfman30/booking-guard/internal/config"
	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/guard"
	"github.com/wolfman30/booking-guard/internal/httpclient"
	"github.com/wolfman30/booking-guard/internal/notify"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/internal/submission"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

const (
	GuardBackendMemory = "memory"
	GuardBackendRedis  = "redis"
)

// GuardBackend is a guard that can also report its size.
type GuardBackend interface {
	guard.Guard
	Stats(ctx context.Context) (guard.Stats, error)
}

// Runtime holds the wired client components.
type Runtime struct {
	Config       *appconfig.Config
	Logger       *logging.Logger
	Registry     *prometheus.Registry
	Metrics      *metrics.ClientMetrics
	Notifier     notify.Notifier
	Alerts       *notify.EmailNotifier
	Fingerprints *fingerprint.Generator
	Guard        GuardBackend
	// Registry-backed guards need sweeping; nil for Redis.
	LocalGuard   *guard.Registry
	HTTP         *httpclient.Client
	Orchestrator *submission.Orchestrator
	API          *bookingapi.Client
	// Audit is nil when no database is configured.
	Audit        *audit.Service

	redis *redis.Client
	db    *sql.DB
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// Build wires every component. notifier may be nil, in which case notices
// are logged.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, notifier notify.Notifier) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	alerts, err := BuildAlertNotifier(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if alerts != nil {
		notifier = notify.Multi{notifier, alerts}
	}

	rt := &Runtime{
		Config:       cfg,
		Logger:       logger,
		Registry:     prometheus.NewRegistry(),
		Notifier:     notifier,
		Alerts:       alerts,
		Fingerprints: fingerprint.NewGenerator(cfg.FingerprintFields...),
	}
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.Metrics = metrics.NewClientMetrics(rt.Registry)

	rt.buildGuard(ctx)

	onUnauthorized := func() {
		logger.Warn("session expired, log in again", "login_url", cfg.LoginURL)
	}
	httpClient, err := httpclient.New(httpclient.Config{
		BaseURL:        cfg.BaseURL,
		CSRFToken:      cfg.CSRFToken,
		BearerToken:    cfg.BearerToken,
		RetryAttempts:  cfg.RetryAttempts,
		RetryDelay:     cfg.RetryDelay,
		Timeout:        cfg.HTTPTimeout,
		Logger:         logger,
		Metrics:        rt.Metrics,
		OnUnauthorized: onUnauthorized,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: http client: %w", err)
	}
	rt.HTTP = httpClient

	rt.buildAudit(ctx)

	subCfg := submission.Config{
		Executor:     httpClient,
		Guard:        rt.Guard,
		Fingerprints: rt.Fingerprints,
		Notifier:     notifier,
		ReleaseDelay: cfg.ReleaseDelay,
		Logger:       logger,
		Metrics:      rt.Metrics,
	}
	if rt.Audit != nil {
		subCfg.Audit = rt.Audit
	}
	orch, err := submission.New(subCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: orchestrator: %w", err)
	}
	rt.Orchestrator = orch

	api, err := bookingapi.New(bookingapi.Config{
		HTTP:         httpClient,
		Orchestrator: orch,
		Guard:        rt.Guard,
		Fingerprints: rt.Fingerprints,
		ReleaseDelay: cfg.ReleaseDelay,
		LoginPath:    cfg.LoginURL,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: booking api: %w", err)
	}
	rt.API = api
	return rt, nil
}

func (rt *Runtime) buildGuard(ctx context.Context) {
	cfg := rt.Config
	guardCfg := guard.RegistryConfig{
		MinInterval: cfg.MinInterval,
		Retention:   cfg.Retention,
		Logger:      rt.Logger,
		Metrics:     rt.Metrics,
	}
	if cfg.GuardBackend == GuardBackendRedis {
		if client := BuildRedisClient(ctx, cfg, rt.Logger, true); client != nil {
			rt.redis = client
			rt.Guard = guard.NewRedisStore(client, guardCfg)
			rt.Logger.Info("duplicate guard shared through redis", "addr", cfg.RedisAddr)
			return
		}
		rt.Logger.Warn("falling back to in-memory duplicate guard")
	}
	local := guard.NewRegistry(guardCfg)
	rt.LocalGuard = local
	rt.Guard = local
}

// buildAudit opens and migrates the audit database. Failures leave auditing
// off rather than stopping the client.
func (rt *Runtime) buildAudit(ctx context.Context) {
	url := strings.TrimSpace(rt.Config.DatabaseURL)
	if url == "" {
		return
	}
	db, err := audit.Open(ctx, url)
	if err != nil {
		rt.Logger.Error("failed to connect to audit database", "error", err)
		return
	}
	if err := audit.Migrate(db); err != nil {
		rt.Logger.Error("failed to migrate audit database", "error", err)
		_ = db.Close()
		return
	}
	rt.db = db
	rt.Audit = audit.NewService(db, rt.Config.OrgID)
	rt.Logger.Info("submission audit log enabled")
}

// BuildAlertNotifier returns an email notifier for the configured provider,
// or nil when alerts are disabled.
func BuildAlertNotifier(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*notify.EmailNotifier, error) {
	if cfg == nil || cfg.AlertEmailProvider == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if strings.TrimSpace(cfg.AlertEmailTo) == "" {
		logger.Warn("alert email provider set but recipient empty; disabling", "provider", cfg.AlertEmailProvider)
		return nil, nil
	}

	var sender notify.EmailSender
	switch cfg.AlertEmailProvider {
	case "sendgrid":
		sg := notify.NewSendGridSender(notify.SendGridConfig{APIKey: cfg.SendGridAPIKey, FromEmail: cfg.AlertEmailFrom}, logger)
		if sg == nil {
			logger.Warn("sendgrid selected but api key empty; disabling alerts")
			return nil, nil
		}
		sender = sg
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		sender = notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{FromEmail: cfg.AlertEmailFrom}, logger)
	default:
		return nil, fmt.Errorf("bootstrap: unknown alert email provider %q", cfg.AlertEmailProvider)
	}
	logger.Info("operator alerts enabled", "provider", cfg.AlertEmailProvider)
	return notify.NewEmailNotifier(sender, notify.EmailConfig{To: cfg.AlertEmailTo}, logger), nil
}

// Close waits for pending alert mail and releases the database and Redis
// connections.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	if rt.Alerts != nil {
		rt.Alerts.Wait()
	}
	var errs []error
	if rt.db != nil {
		errs = append(errs, rt.db.Close())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	return errors.Join(errs...)
}
