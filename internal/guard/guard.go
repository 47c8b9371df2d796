// Package guard suppresses duplicate form submissions. Each submission is
// identified by its fingerprint; a fingerprint that is still in flight, or that
// was tried less than the minimum interval ago, is rejected before any network
// call is made.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/booking-guard/internal/fingerprint"
)

var (
	// ErrDuplicateInFlight means an identical submission has not been released yet.
	ErrDuplicateInFlight = errors.New("guard: identical request already sent, please wait")
	// ErrTooSoon means the same fingerprint was tried within the minimum interval.
	ErrTooSoon = errors.New("guard: please wait before sending the same request again")
)

const (
	DefaultMinInterval  = 2 * time.Second
	DefaultReleaseDelay = 5 * time.Second
	DefaultRetention    = 5 * time.Minute
)

// Guard is what the submission orchestrator needs from a registry.
type Guard interface {
	// Acquire checks for duplicates and marks fp as in flight in one step.
	Acquire(ctx context.Context, fp fingerprint.Fingerprint) error
	// ReleaseAfter frees fp once delay has elapsed, whatever the outcome was.
	ReleaseAfter(ctx context.Context, fp fingerprint.Fingerprint, delay time.Duration) error
}

// Stats is a point-in-time view of a registry.
type Stats struct {
	InFlight int `json:"in_flight"`
	Tracked  int `json:"tracked"`
}

// Clock abstracts time so windows can be tested without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func())
}

// SystemClock uses the wall clock and runtime timers.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) { time.AfterFunc(d, f) }
