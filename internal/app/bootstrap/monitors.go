package bootstrap

import (
	"context"
	"sync"

	"github.com/wolfman30/booking-guard/internal/monitor"
)

// Monitors groups the background jobs of a long-running client.
type Monitors struct {
	Heartbeat    *monitor.Heartbeat
	Usage        *monitor.UsageMonitor
	Subscription *monitor.SubscriptionMonitor
	Reporter     *monitor.ErrorReporter
}

// BuildMonitors wires the monitors against rt. An unparseable trial end is
// logged and treated as unknown.
func BuildMonitors(rt *Runtime) *Monitors {
	cfg := rt.Config

	var sweeper monitor.Sweeper
	if rt.LocalGuard != nil {
		sweeper = rt.LocalGuard
	}

	org, err := monitor.ParseOrganization(cfg.OrgID, cfg.OrgSubscriptionStatus, cfg.OrgTrialEndsAt)
	if err != nil {
		rt.Logger.Warn("ignoring trial end", "error", err)
	}

	reporter := monitor.NewErrorReporter(rt.API, rt.Logger).WithMetrics(rt.Metrics)
	reporter.OrganizationID = cfg.OrgID

	return &Monitors{
		Heartbeat: monitor.NewHeartbeat(rt.API, sweeper, rt.Logger).
			WithInterval(cfg.HeartbeatInterval).
			WithMetrics(rt.Metrics),
		Usage: monitor.NewUsageMonitor(rt.API, rt.Notifier, rt.Logger).
			WithInterval(cfg.UsagePollInterval).
			WithMetrics(rt.Metrics),
		Subscription: monitor.NewSubscriptionMonitor(func() monitor.Organization { return org }, rt.Notifier, rt.Logger).
			WithInterval(cfg.SubscriptionInterval).
			WithMetrics(rt.Metrics),
		Reporter: reporter,
	}
}

// Run starts every monitor and blocks until ctx is done and all have returned.
func (m *Monitors) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		m.Heartbeat.Run,
		m.Usage.Run,
		m.Subscription.Run,
		m.Reporter.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
	wg.Wait()
}
