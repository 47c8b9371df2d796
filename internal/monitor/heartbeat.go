// Package monitor runs the periodic background jobs of a booking client
// session: heartbeat, plan usage, subscription/trial state and error
// reporting.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

type heartbeatSender interface {
	Heartbeat(ctx context.Context) error
}

// Sweeper drops expired guard entries. *guard.Registry satisfies it.
type Sweeper interface {
	Sweep() int
}

// Heartbeat posts a keep-alive and sweeps the duplicate guard on every tick.
type Heartbeat struct {
	api      heartbeatSender
	sweeper  Sweeper
	logger   *logging.Logger
	metrics  *metrics.ClientMetrics
	interval time.Duration
	paused   atomic.Bool
	beats    atomic.Int64
}

func NewHeartbeat(api heartbeatSender, sweeper Sweeper, logger *logging.Logger) *Heartbeat {
	if logger == nil {
		logger = logging.Default()
	}
	return &Heartbeat{
		api:      api,
		sweeper:  sweeper,
		logger:   logger.Component("heartbeat"),
		interval: time.Minute,
	}
}

func (h *Heartbeat) WithInterval(d time.Duration) *Heartbeat {
	if d > 0 {
		h.interval = d
	}
	return h
}

func (h *Heartbeat) WithMetrics(m *metrics.ClientMetrics) *Heartbeat {
	h.metrics = m
	return h
}

// Pause stops beats until Resume; ticks while paused are skipped.
func (h *Heartbeat) Pause() {
	if !h.paused.Swap(true) {
		h.logger.Debug("heartbeat paused")
	}
}

func (h *Heartbeat) Resume() {
	if h.paused.Swap(false) {
		h.logger.Debug("heartbeat resumed")
	}
}

func (h *Heartbeat) Paused() bool { return h.paused.Load() }

// Beats returns how many heartbeats have been sent successfully.
func (h *Heartbeat) Beats() int64 { return h.beats.Load() }

func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Paused() {
				continue
			}
			_ = h.Beat(ctx)
		}
	}
}

// Beat sends one heartbeat and sweeps. A failed heartbeat is logged and
// returned; the sweep runs either way.
func (h *Heartbeat) Beat(ctx context.Context) error {
	var err error
	if h.api != nil {
		err = h.api.Heartbeat(ctx)
		h.metrics.ObserveMonitorPoll("heartbeat", err == nil)
		if err != nil {
			h.logger.Warn("heartbeat failed", "error", err)
		} else {
			h.beats.Add(1)
			h.logger.Debug("heartbeat sent")
		}
	}
	if h.sweeper != nil {
		if removed := h.sweeper.Sweep(); removed > 0 {
			h.logger.Debug("guard swept", "removed", removed)
		}
	}
	return err
}
