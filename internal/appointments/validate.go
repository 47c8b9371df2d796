package appointments

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/booking-guard/internal/fingerprint"
)

const (
	dateLayout      = "2006-01-02"
	DefaultDuration = time.Hour
	MaxDuration     = 24 * time.Hour
)

var timeLayouts = []string{"15:04", "15:04:05"}

// ValidationError lists every problem found in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "appointments: " + strings.Join(e.Problems, "; ")
}

// Validate runs the date/time and recurrence checks. Times are read in now's
// location. An end at or before the start is moved to one hour after the
// start, and a note says so.
func Validate(fields fingerprint.FormData, now time.Time) ([]string, error) {
	notes, problems := validateDateTime(fields, now)
	problems = append(problems, validateRecurrence(fields)...)
	if len(problems) > 0 {
		return notes, &ValidationError{Problems: problems}
	}
	return notes, nil
}

// ValidateDateTime runs only the date/time checks.
func ValidateDateTime(fields fingerprint.FormData, now time.Time) ([]string, error) {
	notes, problems := validateDateTime(fields, now)
	if len(problems) > 0 {
		return notes, &ValidationError{Problems: problems}
	}
	return notes, nil
}

func validateDateTime(fields fingerprint.FormData, now time.Time) ([]string, []string) {
	startDate, startTime := fields.Get("start_date"), fields.Get("start_time")
	endDate, endTime := fields.Get("end_date"), fields.Get("end_time")
	if startDate == "" || startTime == "" || endDate == "" || endTime == "" {
		return nil, []string{"please fill in every date and time field"}
	}

	loc := now.Location()
	start, err := parseDateTime(startDate, startTime, loc)
	if err != nil {
		return nil, []string{"invalid date or time format"}
	}
	end, err := parseDateTime(endDate, endTime, loc)
	if err != nil {
		return nil, []string{"invalid date or time format"}
	}

	var notes, problems []string
	if start.Before(now) {
		problems = append(problems, "cannot create an appointment in the past")
	}
	if !end.After(start) {
		corrected := start.Add(DefaultDuration)
		fields.Set("end_date", corrected.Format(dateLayout))
		fields.Set("end_time", corrected.Format("15:04"))
		notes = append(notes, fmt.Sprintf("End time set to %s automatically", corrected.Format("15:04")))
	}
	if end.Sub(start) > MaxDuration {
		problems = append(problems, "an appointment must not be longer than 24 hours")
	}
	return notes, problems
}

func validateRecurrence(fields fingerprint.FormData) []string {
	if !checked(fields, "is_recurring") {
		return nil
	}
	selected := false
	for _, name := range weekdayFields {
		if checked(fields, name) {
			selected = true
			break
		}
	}
	if !selected {
		return []string{"select at least one weekday to repeat on"}
	}
	start, err := time.Parse(dateLayout, fields.Get("start_date"))
	if err != nil {
		return nil
	}
	// time.Weekday is Sunday-first; the form is Monday-first.
	idx := (int(start.Weekday()) + 6) % 7
	if !checked(fields, weekdayFields[idx]) {
		return []string{fmt.Sprintf("the start date is a %s, include %s in the repeat days", start.Weekday(), start.Weekday())}
	}
	return nil
}

// checked accepts a boolean or the "on"/"y"/"1" text browsers post for checkboxes.
func checked(fields fingerprint.FormData, name string) bool {
	v, ok := fields[name]
	if !ok {
		return false
	}
	if v.IsBool() {
		return v.Bool()
	}
	switch strings.ToLower(v.String()) {
	case "on", "y", "yes", "1":
		return true
	}
	return false
}

func parseDateTime(date, clock string, loc *time.Location) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(dateLayout+" "+layout, date+" "+clock, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
