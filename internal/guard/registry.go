package guard

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

type mark struct {
	at  time.Time
	seq uint64
}

// RegistryConfig tunes an in-memory Registry. Zero values take the defaults.
type RegistryConfig struct {
	MinInterval time.Duration
	Retention   time.Duration
	Clock       Clock
	Logger      *logging.Logger
	Metrics     *metrics.ClientMetrics
}

// Registry is the process-local duplicate guard. It keeps two maps: the
// fingerprints currently in flight, and the last time each fingerprint was
// allowed through. Safe for concurrent use.
type Registry struct {
	mu          sync.Mutex
	inFlight    map[fingerprint.Fingerprint]mark
	seq         uint64
	lastRequest map[fingerprint.Fingerprint]time.Time
	minInterval time.Duration
	retention   time.Duration
	clock       Clock
	logger      *logging.Logger
	metrics     *metrics.ClientMetrics
}

var _ Guard = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Registry{
		inFlight:    make(map[fingerprint.Fingerprint]mark),
		lastRequest: make(map[fingerprint.Fingerprint]time.Time),
		minInterval: cfg.MinInterval,
		retention:   cfg.Retention,
		clock:       cfg.Clock,
		logger:      cfg.Logger.Component("guard"),
		metrics:     cfg.Metrics,
	}
}

// CheckRapidRequest reports whether fp may proceed given minInterval. On
// success the current time is recorded for fp. A non-positive minInterval
// uses the registry default.
func (r *Registry) CheckRapidRequest(fp fingerprint.Fingerprint, minInterval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkRapidLocked(fp, minInterval, r.clock.Now())
}

func (r *Registry) checkRapidLocked(fp fingerprint.Fingerprint, minInterval time.Duration, now time.Time) bool {
	if minInterval <= 0 {
		minInterval = r.minInterval
	}
	if last, ok := r.lastRequest[fp]; ok && now.Sub(last) < minInterval {
		return false
	}
	r.lastRequest[fp] = now
	return true
}

// IsDuplicateInFlight reports whether fp has been sent and not yet released.
func (r *Registry) IsDuplicateInFlight(fp fingerprint.Fingerprint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlightLocked(fp, r.clock.Now())
}

func (r *Registry) inFlightLocked(fp fingerprint.Fingerprint, now time.Time) bool {
	m, ok := r.inFlight[fp]
	if !ok {
		return false
	}
	// Entries past retention are treated as gone even before a sweep runs.
	return now.Sub(m.at) < r.retention
}

// Acquire rejects fp if it is in flight or was tried too recently, and
// otherwise marks it in flight before returning.
func (r *Registry) Acquire(_ context.Context, fp fingerprint.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.inFlightLocked(fp, now) {
		r.metrics.ObserveSuppressed("duplicate_in_flight")
		r.logger.Debug("duplicate submission suppressed", "fingerprint", fp)
		return ErrDuplicateInFlight
	}
	if !r.checkRapidLocked(fp, r.minInterval, now) {
		r.metrics.ObserveSuppressed("too_soon")
		r.logger.Debug("rapid resubmission suppressed", "fingerprint", fp)
		return ErrTooSoon
	}
	r.seq++
	r.inFlight[fp] = mark{at: now, seq: r.seq}
	r.metrics.SetGuardInFlight(len(r.inFlight))
	return nil
}

// Release frees fp immediately.
func (r *Registry) Release(fp fingerprint.Fingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, fp)
	r.metrics.SetGuardInFlight(len(r.inFlight))
}

// ReleaseAfter frees fp once delay has elapsed. A newer mark for the same
// fingerprint made in the meantime is left alone.
func (r *Registry) ReleaseAfter(_ context.Context, fp fingerprint.Fingerprint, delay time.Duration) error {
	r.mu.Lock()
	m, ok := r.inFlight[fp]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if delay <= 0 {
		r.releaseIfUnchanged(fp, m.seq)
		return nil
	}
	r.clock.AfterFunc(delay, func() { r.releaseIfUnchanged(fp, m.seq) })
	return nil
}

func (r *Registry) releaseIfUnchanged(fp fingerprint.Fingerprint, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.inFlight[fp]; ok && current.seq == seq {
		delete(r.inFlight, fp)
		r.metrics.SetGuardInFlight(len(r.inFlight))
	}
}

// Sweep drops entries older than the retention window from both maps and
// returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-r.retention)
	removed := 0
	for fp, m := range r.inFlight {
		if m.at.Before(cutoff) {
			delete(r.inFlight, fp)
			removed++
		}
	}
	for fp, last := range r.lastRequest {
		if last.Before(cutoff) {
			delete(r.lastRequest, fp)
			removed++
		}
	}
	r.metrics.SetGuardInFlight(len(r.inFlight))
	if removed > 0 {
		r.logger.Debug("guard registry swept", "removed", removed)
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Reset forgets every fingerprint.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = make(map[fingerprint.Fingerprint]mark)
	r.lastRequest = make(map[fingerprint.Fingerprint]time.Time)
	r.metrics.SetGuardInFlight(0)
}

// Stats reports current map sizes.
func (r *Registry) Stats(context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{InFlight: len(r.inFlight), Tracked: len(r.lastRequest)}, nil
}
