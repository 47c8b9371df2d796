package appointments

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/booking-guard/internal/fingerprint"
)

var now = time.Date(2025, 1, 9, 12, 0, 0, 0, time.UTC)

func fields(kv map[string]string) fingerprint.FormData {
	return fingerprint.FromStrings(kv)
}

func TestValidateDateTime(t *testing.T) {
	tests := []struct {
		name     string
		input    map[string]string
		problem  string
		notes    int
		wantEnd  string
		wantDate string
	}{
		{
			name:  "valid",
			input: map[string]string{"start_date": "2025-01-10", "start_time": "09:00", "end_date": "2025-01-10", "end_time": "10:30"},
		},
		{
			name:    "missing end",
			input:   map[string]string{"start_date": "2025-01-10", "start_time": "09:00"},
			problem: "please fill in every date and time field",
		},
		{
			name:    "bad format",
			input:   map[string]string{"start_date": "10/01/2025", "start_time": "09:00", "end_date": "2025-01-10", "end_time": "10:00"},
			problem: "invalid date or time format",
		},
		{
			name:    "in the past",
			input:   map[string]string{"start_date": "2025-01-08", "start_time": "09:00", "end_date": "2025-01-08", "end_time": "10:00"},
			problem: "cannot create an appointment in the past",
		},
		{
			name:     "end before start is corrected",
			input:    map[string]string{"start_date": "2025-01-10", "start_time": "23:30", "end_date": "2025-01-10", "end_time": "09:00"},
			notes:    1,
			wantEnd:  "00:30",
			wantDate: "2025-01-11",
		},
		{
			name:    "longer than a day",
			input:   map[string]string{"start_date": "2025-01-10", "start_time": "09:00", "end_date": "2025-01-11", "end_time": "09:01"},
			problem: "an appointment must not be longer than 24 hours",
		},
		{
			name:  "seconds accepted",
			input: map[string]string{"start_date": "2025-01-10", "start_time": "09:00:00", "end_date": "2025-01-10", "end_time": "09:30:00"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := fields(tt.input)
			notes, err := ValidateDateTime(data, now)
			assert.Len(t, notes, tt.notes)
			if tt.problem == "" {
				require.NoError(t, err)
			} else {
				var vErr *ValidationError
				require.True(t, errors.As(err, &vErr), "expected ValidationError, got %v", err)
				assert.Contains(t, vErr.Problems, tt.problem)
			}
			if tt.wantEnd != "" {
				assert.Equal(t, tt.wantEnd, data.Get("end_time"))
				assert.Equal(t, tt.wantDate, data.Get("end_date"))
			}
		})
	}
}

func TestValidateRecurrence(t *testing.T) {
	base := map[string]string{"start_date": "2025-01-10", "start_time": "09:00", "end_date": "2025-01-10", "end_time": "10:00"}

	data := fields(base)
	data["is_recurring"] = fingerprint.Bool(true)
	_, err := Validate(data, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select at least one weekday")

	// 2025-01-10 is a Friday.
	data.Set("mon", "on")
	_, err = Validate(data, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "the start date is a Friday")

	data["fri"] = fingerprint.Bool(true)
	_, err = Validate(data, now)
	assert.NoError(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	data := fields(map[string]string{"start_date": "2025-01-01", "start_time": "09:00", "end_date": "2025-01-03", "end_time": "09:00", "is_recurring": "true"})
	_, err := Validate(data, now)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Len(t, vErr.Problems, 3)
}

func TestAppointmentForm(t *testing.T) {
	a := Appointment{
		Title:        "Checkup",
		CalendarName: "Dialysis A",
		StartDate:    "2025-01-10",
		StartTime:    "09:00",
		EndDate:      "2025-01-10",
		EndTime:      "10:00",
		Recurring:    true,
	}
	a.Days[4] = true
	form := NewForm(a)
	assert.Equal(t, CreatePath, form.Action)
	assert.Equal(t, "Recurring appointment created", form.SuccessMessage)
	require.NotNil(t, form.Validator)

	data := form.Fields()
	assert.True(t, data["fri"].Bool())
	assert.Equal(t, "4", data.Get("weeks"))
	_, hasLocation := data["location"]
	assert.False(t, hasLocation)

	notes, err := form.Validator.Validate(data, now)
	assert.NoError(t, err)
	assert.Empty(t, notes)
}

func TestParseWeekdays(t *testing.T) {
	days, err := ParseWeekdays(" Mon, fri ,")
	require.NoError(t, err)
	assert.Equal(t, [7]bool{true, false, false, false, true, false, false}, days)

	days, err = ParseWeekdays("")
	require.NoError(t, err)
	assert.Equal(t, [7]bool{}, days)

	_, err = ParseWeekdays("mon,funday")
	require.Error(t, err)
}
