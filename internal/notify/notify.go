// Package notify carries short user-facing messages (the toasts of the web
// front end) from the submission and monitoring code to whatever displays them.
package notify

import (
	"context"
	"sync"

	"github.com/wolfman30/booking-guard/pkg/logging"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

func (l Level) rank() int {
	switch l {
	case LevelError:
		return 3
	case LevelWarning:
		return 2
	case LevelSuccess:
		return 1
	default:
		return 0
	}
}

// Notice is one message for the user.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
	// Source names the component that raised it, e.g. "submission" or "usage".
	Source string `json:"source,omitempty"`
}

// Notifier displays notices. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice)

func (f Func) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Nop drops every notice.
type Nop struct{}

func (Nop) Notify(context.Context, Notice) {}

// LogNotifier writes notices to a structured logger.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger.Component("notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notice) {
	args := []any{"notice_level", string(n.Level), "source", n.Source}
	switch n.Level {
	case LevelError:
		l.logger.ErrorContext(ctx, n.Message, args...)
	case LevelWarning:
		l.logger.WarnContext(ctx, n.Message, args...)
	default:
		l.logger.InfoContext(ctx, n.Message, args...)
	}
}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of what has been recorded.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Last returns the most recent notice.
func (r *Recorder) Last() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}

// Count returns how many notices of level were recorded.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.Level == level {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = nil
}

// Multi fans a notice out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, n)
		}
	}
}
