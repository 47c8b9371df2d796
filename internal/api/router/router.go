// Package router serves the operational endpoints of a long-running booking
// client: health, Prometheus metrics, guard state and the latest usage poll.
package router

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/booking-guard/internal/bookingapi"
	"github.com/wolfman30/booking-guard/internal/guard"
	httpmiddleware "github.com/wolfman30/booking-guard/internal/http/middleware"
	"github.com/wolfman30/booking-guard/internal/monitor"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

// GuardStats is implemented by both guard backends.
type GuardStats interface {
	Stats(ctx context.Context) (guard.Stats, error)
}

// UsageSource returns the most recent usage poll, nil before the first one.
type UsageSource interface {
	Last() *bookingapi.UsageStats
}

// HeartbeatControl lets operators pause and resume the heartbeat.
type HeartbeatControl interface {
	Pause()
	Resume()
	Paused() bool
	Beats() int64
}

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	MetricsHandler http.Handler
	Guard          GuardStats
	Usage          UsageSource
	Heartbeat      HeartbeatControl
	// OperatorSecret, when set, requires an HMAC JWT on mutating routes.
	OperatorSecret string
}

type usageResponse struct {
	*bookingapi.UsageStats
	Appointments     string `json:"appointments"`
	AppointmentClass string `json:"appointment_class"`
	Staff            string `json:"staff"`
	StaffClass       string `json:"staff_class"`
}

// New creates the ops router. Optional dependencies left nil drop their routes.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger, "/health", "/metrics"))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.Guard != nil {
		r.Get("/guard/stats", guardStats(cfg.Guard, cfg.Logger))
	}
	if cfg.Usage != nil {
		r.Get("/usage", usage(cfg.Usage))
	}
	if cfg.Heartbeat != nil {
		r.Route("/heartbeat", func(r chi.Router) {
			r.Get("/", heartbeatStatus(cfg.Heartbeat))
			r.Group(func(r chi.Router) {
				if cfg.OperatorSecret != "" {
					r.Use(httpmiddleware.OperatorJWT(cfg.OperatorSecret))
				}
				r.Post("/pause", func(w http.ResponseWriter, r *http.Request) {
					cfg.Heartbeat.Pause()
					heartbeatStatus(cfg.Heartbeat)(w, r)
				})
				r.Post("/resume", func(w http.ResponseWriter, r *http.Request) {
					cfg.Heartbeat.Resume()
					heartbeatStatus(cfg.Heartbeat)(w, r)
				})
			})
		})
	}

	return r
}

func guardStats(g GuardStats, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := g.Stats(r.Context())
		if err != nil {
			if logger != nil {
				logger.Error("failed to read guard stats", "error", err)
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "guard unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func usage(src UsageSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := src.Last()
		if stats == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, usageResponse{
			UsageStats:       stats,
			Appointments:     monitor.FormatUsage(stats.MonthlyAppointments, stats.MaxAppointments),
			AppointmentClass: monitor.ProgressClass(stats.AppointmentUsagePercent),
			Staff:            monitor.FormatUsage(stats.MonthlyStaff, stats.MaxStaff),
			StaffClass:       monitor.ProgressClass(stats.StaffUsagePercent),
		})
	}
}

func heartbeatStatus(hb HeartbeatControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"paused": hb.Paused(),
			"beats":  hb.Beats(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
