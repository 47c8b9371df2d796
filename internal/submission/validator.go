package submission

import (
	"time"

	"github.com/wolfman30/booking-guard/internal/fingerprint"
)

// Validator checks, and may correct, field values before a submission is
// fingerprinted. Corrections are made in place on fields; notes are shown to
// the user as informational notices.
type Validator interface {
	Validate(fields fingerprint.FormData, now time.Time) (notes []string, err error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(fields fingerprint.FormData, now time.Time) ([]string, error)

// Validate calls f.
func (f ValidatorFunc) Validate(fields fingerprint.FormData, now time.Time) ([]string, error) {
	return f(fields, now)
}
