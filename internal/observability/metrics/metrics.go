package metrics

import "github.com/prometheus/client_golang/prometheus"

// ClientMetrics exposes counters/histograms for outbound booking calls and
// the duplicate-submission guard.
type ClientMetrics struct {
	attemptsTotal    *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	suppressedTotal  *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
	monitorPolls     *prometheus.CounterVec
	guardInFlight    prometheus.Gauge
}

func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "http",
			Name:      "attempts_total",
			Help:      "Total HTTP attempts against the booking back end",
		}, []string{"method", "status_class"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "http",
			Name:      "retries_total",
			Help:      "Total retried HTTP attempts",
		}, []string{"reason"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "booking",
			Subsystem: "http",
			Name:      "request_latency_seconds",
			Help:      "Latency of logical requests including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		suppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "guard",
			Name:      "suppressed_total",
			Help:      "Submissions rejected by the duplicate guard",
		}, []string{"reason"}),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "submission",
			Name:      "total",
			Help:      "Form submissions by outcome",
		}, []string{"outcome"}),
		monitorPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Background monitor polls by monitor and status",
		}, []string{"monitor", "status"}),
		guardInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "booking",
			Subsystem: "guard",
			Name:      "in_flight",
			Help:      "Fingerprints currently marked in flight",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.attemptsTotal, m.retriesTotal, m.requestLatency, m.suppressedTotal,
		m.submissionsTotal, m.monitorPolls, m.guardInFlight)
	return m
}

// StatusClass buckets an HTTP status for labels; 0 means a transport error.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func (m *ClientMetrics) ObserveAttempt(method string, status int) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(method, StatusClass(status)).Inc()
}

func (m *ClientMetrics) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(reason).Inc()
}

func (m *ClientMetrics) ObserveLatency(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(method, outcome).Observe(seconds)
}

func (m *ClientMetrics) ObserveSuppressed(reason string) {
	if m == nil {
		return
	}
	m.suppressedTotal.WithLabelValues(reason).Inc()
}

func (m *ClientMetrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(outcome).Inc()
}

func (m *ClientMetrics) ObserveMonitorPoll(monitor string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.monitorPolls.WithLabelValues(monitor, status).Inc()
}

func (m *ClientMetrics) SetGuardInFlight(n int) {
	if m == nil {
		return
	}
	m.guardInFlight.Set(float64(n))
}
