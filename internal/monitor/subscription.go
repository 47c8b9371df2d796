package monitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/booking-guard/internal/notify"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

// Subscription states reported by the back end.
const (
	StatusTrial     = "trial"
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusCancelled = "cancelled"
)

const trialWarningEvery = time.Hour

// Organization is the subscription context of the signed-in organization.
type Organization struct {
	ID                 string
	SubscriptionStatus string
	TrialEndsAt        time.Time
}

// ParseOrganization builds an Organization from raw settings. trialEndsAt may
// be RFC 3339 or a plain date; empty means no trial end is known.
func ParseOrganization(id, status, trialEndsAt string) (Organization, error) {
	org := Organization{ID: id, SubscriptionStatus: strings.ToLower(strings.TrimSpace(status))}
	trialEndsAt = strings.TrimSpace(trialEndsAt)
	if trialEndsAt == "" {
		return org, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, trialEndsAt); err == nil {
			org.TrialEndsAt = t
			return org, nil
		}
	}
	return org, fmt.Errorf("monitor: invalid trial end %q", trialEndsAt)
}

// TrialDaysLeft rounds the remaining trial time up to whole days.
func TrialDaysLeft(trialEndsAt, now time.Time) int {
	return int(math.Ceil(trialEndsAt.Sub(now).Hours() / 24))
}

// SubscriptionMonitor raises notices for trials about to end and for
// suspended or cancelled subscriptions.
type SubscriptionMonitor struct {
	org      func() Organization
	notifier notify.Notifier
	logger   *logging.Logger
	metrics  *metrics.ClientMetrics
	interval time.Duration
	now      func() time.Time

	mu               sync.Mutex
	lastTrialWarning time.Time
}

// NewSubscriptionMonitor reads the organization through org on every check so
// callers can refresh it.
func NewSubscriptionMonitor(org func() Organization, notifier notify.Notifier, logger *logging.Logger) *SubscriptionMonitor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SubscriptionMonitor{
		org:      org,
		notifier: notifier,
		logger:   logger.Component("subscription"),
		interval: 5 * time.Minute,
		now:      time.Now,
	}
}

func (s *SubscriptionMonitor) WithInterval(d time.Duration) *SubscriptionMonitor {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *SubscriptionMonitor) WithMetrics(m *metrics.ClientMetrics) *SubscriptionMonitor {
	s.metrics = m
	return s
}

func (s *SubscriptionMonitor) WithClock(now func() time.Time) *SubscriptionMonitor {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *SubscriptionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check evaluates the organization once and returns the notices it raised.
func (s *SubscriptionMonitor) Check(ctx context.Context) []notify.Notice {
	if s.org == nil {
		return nil
	}
	org := s.org()
	var notices []notify.Notice

	switch org.SubscriptionStatus {
	case StatusTrial:
		if n, ok := s.trialNotice(org); ok {
			notices = append(notices, n)
		}
	case StatusSuspended:
		notices = append(notices, notify.Notice{
			Level:   notify.LevelError,
			Message: "Your subscription is suspended, please update your payment details",
			Source:  "subscription",
		})
	case StatusCancelled:
		notices = append(notices, notify.Notice{
			Level:   notify.LevelInfo,
			Message: "Your subscription has been cancelled",
			Source:  "subscription",
		})
	}

	s.metrics.ObserveMonitorPoll("subscription", true)
	for _, n := range notices {
		s.notifier.Notify(ctx, n)
	}
	return notices
}

func (s *SubscriptionMonitor) trialNotice(org Organization) (notify.Notice, bool) {
	if org.TrialEndsAt.IsZero() {
		return notify.Notice{}, false
	}
	now := s.now()
	days := TrialDaysLeft(org.TrialEndsAt, now)
	if days <= 0 {
		return notify.Notice{
			Level:   notify.LevelError,
			Message: "Your trial has expired, please choose a plan to continue",
			Source:  "subscription",
		}, true
	}
	if days > 3 {
		return notify.Notice{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastTrialWarning.IsZero() && now.Sub(s.lastTrialWarning) < trialWarningEvery {
		return notify.Notice{}, false
	}
	s.lastTrialWarning = now
	unit := "days"
	if days == 1 {
		unit = "day"
	}
	s.logger.Info("trial ending soon", "org_id", org.ID, "days_left", days)
	return notify.Notice{
		Level:   notify.LevelWarning,
		Message: fmt.Sprintf("Your trial ends in %d %s", days, unit),
		Source:  "subscription",
	}, true
}
