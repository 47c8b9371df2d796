package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/booking-guard/internal/bookingapi"
	"github.com/wolfman30/booking-guard/internal/notify"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

type stubAPI struct {
	heartbeats atomic.Int32
	hbErr      error
	usage      *bookingapi.UsageStats
	usageErr   error

	mu      sync.Mutex
	reports []bookingapi.ErrorReport
	repErr  error
}

func (s *stubAPI) Heartbeat(context.Context) error {
	s.heartbeats.Add(1)
	return s.hbErr
}

func (s *stubAPI) UsageStats(context.Context) (*bookingapi.UsageStats, error) {
	return s.usage, s.usageErr
}

func (s *stubAPI) ReportError(_ context.Context, r bookingapi.ErrorReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.repErr
}

func (s *stubAPI) reported() []bookingapi.ErrorReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bookingapi.ErrorReport(nil), s.reports...)
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Sweep() int {
	c.calls.Add(1)
	return 2
}

func TestHeartbeatBeatSweepsEvenOnFailure(t *testing.T) {
	api := &stubAPI{hbErr: errors.New("offline")}
	sweeper := &countingSweeper{}
	reg := prometheus.NewRegistry()
	m := metrics.NewClientMetrics(reg)
	hb := NewHeartbeat(api, sweeper, logging.Discard()).WithMetrics(m)

	err := hb.Beat(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, int64(0), hb.Beats())

	api.hbErr = nil
	require.NoError(t, hb.Beat(context.Background()))
	assert.Equal(t, int64(1), hb.Beats())
	assert.Equal(t, int32(2), sweeper.calls.Load())
}

func TestHeartbeatRunSkipsWhilePaused(t *testing.T) {
	api := &stubAPI{}
	hb := NewHeartbeat(api, nil, logging.Discard()).WithInterval(5 * time.Millisecond)
	hb.Pause()
	assert.True(t, hb.Paused())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), api.heartbeats.Load())

	hb.Resume()
	require.Eventually(t, func() bool { return api.heartbeats.Load() > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop after cancel")
	}
}

func TestUsageMonitorWarnsAtLimits(t *testing.T) {
	api := &stubAPI{usage: &bookingapi.UsageStats{
		MonthlyAppointments:  50,
		MaxAppointments:      50,
		CanCreateAppointment: false,
		MonthlyStaff:         2,
		MaxStaff:             5,
		CanAddStaff:          true,
	}}
	rec := notify.NewRecorder()
	u := NewUsageMonitor(api, rec, logging.Discard())

	stats, err := u.Check(context.Background())
	require.NoError(t, err)
	assert.Same(t, api.usage, stats)
	assert.Same(t, api.usage, u.Last())

	notices := rec.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.LevelWarning, notices[0].Level)
	assert.Contains(t, notices[0].Message, "used all 50 appointments")

	api.usage.CanAddStaff = false
	rec.Reset()
	_, err = u.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count(notify.LevelWarning))
}

func TestUsageMonitorFailureKeepsLastStats(t *testing.T) {
	api := &stubAPI{usage: &bookingapi.UsageStats{CanCreateAppointment: true, CanAddStaff: true}}
	rec := notify.NewRecorder()
	reg := prometheus.NewRegistry()
	m := metrics.NewClientMetrics(reg)
	u := NewUsageMonitor(api, rec, logging.Discard()).WithMetrics(m)

	_, err := u.Check(context.Background())
	require.NoError(t, err)
	first := u.Last()

	api.usageErr = errors.New("boom")
	_, err = u.Check(context.Background())
	require.Error(t, err)
	assert.Same(t, first, u.Last())
	assert.Empty(t, rec.Notices())
	assert.Equal(t, 2, testutil.CollectAndCount(reg, "booking_monitor_polls_total"))
}

func TestProgressClassAndLimits(t *testing.T) {
	assert.Equal(t, "success", ProgressClass(79.9))
	assert.Equal(t, "warning", ProgressClass(80))
	assert.Equal(t, "danger", ProgressClass(90))
	assert.Equal(t, "∞", FormatLimit(-1))
	assert.Equal(t, "10", FormatLimit(10))
	assert.Equal(t, "3 / ∞", FormatUsage(3, -1))
	assert.Equal(t, float64(100), ClampPercent(140))
	assert.Equal(t, float64(0), ClampPercent(-3))
}

func TestParseOrganization(t *testing.T) {
	org, err := ParseOrganization("org-1", " Trial ", "2025-02-01")
	require.NoError(t, err)
	assert.Equal(t, StatusTrial, org.SubscriptionStatus)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), org.TrialEndsAt)

	org, err = ParseOrganization("org-1", "active", "")
	require.NoError(t, err)
	assert.True(t, org.TrialEndsAt.IsZero())

	_, err = ParseOrganization("org-1", "trial", "next week")
	require.Error(t, err)
}

func TestTrialDaysLeftRoundsUp(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, TrialDaysLeft(now.Add(time.Hour), now))
	assert.Equal(t, 3, TrialDaysLeft(now.Add(49*time.Hour), now))
	assert.Equal(t, 0, TrialDaysLeft(now, now))
	assert.Equal(t, -1, TrialDaysLeft(now.Add(-25*time.Hour), now))
}

func TestSubscriptionTrialWarningIsThrottled(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	org := Organization{ID: "org-1", SubscriptionStatus: StatusTrial, TrialEndsAt: now.Add(36 * time.Hour)}
	rec := notify.NewRecorder()
	s := NewSubscriptionMonitor(func() Organization { return org }, rec, logging.Discard()).
		WithClock(func() time.Time { return now })

	got := s.Check(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "Your trial ends in 2 days", got[0].Message)

	now = now.Add(30 * time.Minute)
	assert.Empty(t, s.Check(context.Background()))

	now = now.Add(31 * time.Minute)
	got = s.Check(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "Your trial ends in 2 days", got[0].Message)

	now = now.Add(12*time.Hour + time.Minute)
	got = s.Check(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "Your trial ends in 1 day", got[0].Message)
	assert.Equal(t, 3, rec.Count(notify.LevelWarning))
}

func TestSubscriptionStates(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		org   Organization
		level notify.Level
		none  bool
	}{
		{"expired trial", Organization{SubscriptionStatus: StatusTrial, TrialEndsAt: now.Add(-time.Hour)}, notify.LevelError, false},
		{"long trial", Organization{SubscriptionStatus: StatusTrial, TrialEndsAt: now.Add(10 * 24 * time.Hour)}, "", true},
		{"trial without end", Organization{SubscriptionStatus: StatusTrial}, "", true},
		{"suspended", Organization{SubscriptionStatus: StatusSuspended}, notify.LevelError, false},
		{"cancelled", Organization{SubscriptionStatus: StatusCancelled}, notify.LevelInfo, false},
		{"active", Organization{SubscriptionStatus: StatusActive}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			org := tt.org
			s := NewSubscriptionMonitor(func() Organization { return org }, nil, logging.Discard()).
				WithClock(func() time.Time { return now })
			got := s.Check(context.Background())
			if tt.none {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.level, got[0].Level)
		})
	}
}

type stackErr struct{}

func (stackErr) Error() string      { return "render failed" }
func (stackErr) StackTrace() string { return "at render()" }

func TestErrorReporterQueuesAndFlushes(t *testing.T) {
	api := &stubAPI{}
	r := NewErrorReporter(api, logging.Discard()).WithQueueSize(2)
	r.OrganizationID = "org-1"
	r.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	assert.False(t, r.Report(nil, nil))
	assert.True(t, r.Report(stackErr{}, map[string]any{"form": "appointmentForm"}))
	assert.True(t, r.Report(errors.New("second"), nil))
	assert.False(t, r.Report(errors.New("dropped"), nil))
	assert.Equal(t, 2, r.Pending())

	assert.Equal(t, 2, r.Flush(context.Background()))
	reports := api.reported()
	require.Len(t, reports, 2)
	assert.Equal(t, "render failed", reports[0].Message)
	assert.Equal(t, "at render()", reports[0].Stack)
	assert.Equal(t, "org-1", reports[0].OrganizationID)
	assert.Equal(t, "appointmentForm", reports[0].Context["form"])
	assert.Equal(t, "second", reports[1].Message)
}

func TestErrorReporterRunSwallowsSendFailures(t *testing.T) {
	api := &stubAPI{repErr: errors.New("unavailable")}
	r := NewErrorReporter(api, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.True(t, r.Report(errors.New("one"), nil))
	require.True(t, r.Report(errors.New("two"), nil))
	require.Eventually(t, func() bool { return len(api.reported()) == 2 }, time.Second, 5*time.Millisecond)
}
