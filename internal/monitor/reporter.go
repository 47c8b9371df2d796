package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/booking-guard/internal/bookingapi"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

const defaultReportQueue = 10

type errorSink interface {
	ReportError(ctx context.Context, report bookingapi.ErrorReport) error
}

// ErrorReporter forwards client errors to the back end without blocking the
// caller. Reports beyond the queue size are dropped.
type ErrorReporter struct {
	sink    errorSink
	queue   chan bookingapi.ErrorReport
	logger  *logging.Logger
	metrics *metrics.ClientMetrics
	timeout time.Duration
	now     func() time.Time

	UserAgent      string
	UserID         string
	OrganizationID string
}

func NewErrorReporter(sink errorSink, logger *logging.Logger) *ErrorReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return &ErrorReporter{
		sink:    sink,
		queue:   make(chan bookingapi.ErrorReport, defaultReportQueue),
		logger:  logger.Component("error_reporter"),
		timeout: 10 * time.Second,
		now:     time.Now,
	}
}

func (r *ErrorReporter) WithQueueSize(n int) *ErrorReporter {
	if n > 0 {
		r.queue = make(chan bookingapi.ErrorReport, n)
	}
	return r
}

func (r *ErrorReporter) WithTimeout(d time.Duration) *ErrorReporter {
	if d > 0 {
		r.timeout = d
	}
	return r
}

func (r *ErrorReporter) WithMetrics(m *metrics.ClientMetrics) *ErrorReporter {
	r.metrics = m
	return r
}

// Report queues err. It returns false when the queue is full or err is nil.
func (r *ErrorReporter) Report(err error, details map[string]any) bool {
	if err == nil {
		return false
	}
	report := bookingapi.ErrorReport{
		Message:        err.Error(),
		Timestamp:      r.now().UTC(),
		UserAgent:      r.UserAgent,
		UserID:         r.UserID,
		OrganizationID: r.OrganizationID,
		Context:        details,
	}
	var st interface{ StackTrace() string }
	if errors.As(err, &st) {
		report.Stack = st.StackTrace()
	}
	select {
	case r.queue <- report:
		return true
	default:
		r.logger.Warn("error report dropped, queue full", "message", report.Message)
		return false
	}
}

// Pending returns how many reports are waiting to be sent.
func (r *ErrorReporter) Pending() int { return len(r.queue) }

// Run sends queued reports until ctx is done.
func (r *ErrorReporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-r.queue:
			r.send(ctx, report)
		}
	}
}

// Flush sends whatever is queued right now and returns how many were sent.
func (r *ErrorReporter) Flush(ctx context.Context) int {
	sent := 0
	for {
		select {
		case report := <-r.queue:
			if r.send(ctx, report) {
				sent++
			}
		default:
			return sent
		}
	}
}

func (r *ErrorReporter) send(ctx context.Context, report bookingapi.ErrorReport) bool {
	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := r.sink.ReportError(sendCtx, report)
	r.metrics.ObserveMonitorPoll("error_report", err == nil)
	if err != nil {
		// Reporting is best effort.
		r.logger.Debug("failed to report error", "error", err)
		return false
	}
	return true
}
