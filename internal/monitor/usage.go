package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wolfman30/booking-guard/internal/bookingapi"
	"github.com/wolfman30/booking-guard/internal/notify"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

type usageSource interface {
	UsageStats(ctx context.Context) (*bookingapi.UsageStats, error)
}

// UsageMonitor polls plan usage and warns when a limit has been reached.
type UsageMonitor struct {
	src      usageSource
	notifier notify.Notifier
	logger   *logging.Logger
	metrics  *metrics.ClientMetrics
	interval time.Duration

	mu   sync.RWMutex
	last *bookingapi.UsageStats
}

func NewUsageMonitor(src usageSource, notifier notify.Notifier, logger *logging.Logger) *UsageMonitor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &UsageMonitor{
		src:      src,
		notifier: notifier,
		logger:   logger.Component("usage"),
		interval: 2 * time.Minute,
	}
}

func (u *UsageMonitor) WithInterval(d time.Duration) *UsageMonitor {
	if d > 0 {
		u.interval = d
	}
	return u
}

func (u *UsageMonitor) WithMetrics(m *metrics.ClientMetrics) *UsageMonitor {
	u.metrics = m
	return u
}

// Run checks immediately and then on every tick.
func (u *UsageMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	_, _ = u.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = u.Check(ctx)
		}
	}
}

// Check fetches usage once. Failures are logged and returned but raise no
// notice.
func (u *UsageMonitor) Check(ctx context.Context) (*bookingapi.UsageStats, error) {
	stats, err := u.src.UsageStats(ctx)
	u.metrics.ObserveMonitorPoll("usage", err == nil)
	if err != nil {
		u.logger.Warn("failed to check usage limits", "error", err)
		return nil, err
	}
	u.mu.Lock()
	u.last = stats
	u.mu.Unlock()

	if !stats.CanCreateAppointment {
		u.notifier.Notify(ctx, notify.Notice{
			Level:   notify.LevelWarning,
			Message: fmt.Sprintf("You have used all %d appointments for this month, please upgrade your plan", stats.MonthlyAppointments),
			Source:  "usage",
		})
	}
	if !stats.CanAddStaff {
		u.notifier.Notify(ctx, notify.Notice{
			Level:   notify.LevelWarning,
			Message: "You have reached your staff limit, please upgrade your plan",
			Source:  "usage",
		})
	}
	return stats, nil
}

// Last returns the most recent successful poll.
func (u *UsageMonitor) Last() *bookingapi.UsageStats {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.last
}

// ProgressClass buckets a usage percentage into a display class.
func ProgressClass(percent float64) string {
	switch {
	case percent >= 90:
		return "danger"
	case percent >= 80:
		return "warning"
	default:
		return "success"
	}
}

// FormatLimit renders a plan limit; -1 is unlimited.
func FormatLimit(limit int) string {
	if limit == -1 {
		return "∞"
	}
	return strconv.Itoa(limit)
}

// FormatUsage renders "used / limit".
func FormatUsage(used, limit int) string {
	return fmt.Sprintf("%d / %s", used, FormatLimit(limit))
}

// ClampPercent limits a percentage to the 0-100 range of a progress bar.
func ClampPercent(percent float64) float64 {
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	default:
		return percent
	}
}
