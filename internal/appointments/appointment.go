// Package appointments holds the client-side checks made on the appointment
// form before it is submitted.
package appointments

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/submission"
)

const (
	CreatePath     = "/create_appointment"
	FormID         = "appointmentForm"
	successMessage = "Appointment created"
	recurringMsg   = "Recurring appointment created"
)

// Weekday field names in Monday-first order, as the recurring form posts them.
var weekdayFields = [7]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Appointment is the typed content of the appointment form.
type Appointment struct {
	Title        string
	CalendarName string
	StartDate    string
	StartTime    string
	EndDate      string
	EndTime      string
	Location     string
	Who          string
	Description  string
	Recurring    bool
	// Days selects weekdays for recurring appointments, Monday first.
	Days  [7]bool
	Weeks int
}

// Fields renders the appointment as form data. Empty optional fields are
// left out.
func (a Appointment) Fields() fingerprint.FormData {
	data := fingerprint.FormData{}
	set := func(key, value string) {
		if value != "" {
			data.Set(key, value)
		}
	}
	set("title", a.Title)
	set("calendar_name", a.CalendarName)
	set("start_date", a.StartDate)
	set("start_time", a.StartTime)
	set("end_date", a.EndDate)
	set("end_time", a.EndTime)
	set("location", a.Location)
	set("who", a.Who)
	set("description", a.Description)
	if a.Recurring {
		data["is_recurring"] = fingerprint.Bool(true)
		for i, on := range a.Days {
			if on {
				data[weekdayFields[i]] = fingerprint.Bool(true)
			}
		}
		weeks := a.Weeks
		if weeks <= 0 {
			weeks = 4
		}
		data.Set("weeks", strconv.Itoa(weeks))
	}
	return data
}

// NewForm builds an appointment form with date/time validation attached.
func NewForm(a Appointment) *submission.Form {
	form := submission.NewForm(FormID, CreatePath, a.Fields())
	form.Validator = Validator()
	form.SuccessMessage = successMessage
	if a.Recurring {
		form.SuccessMessage = recurringMsg
	}
	return form
}

// Validator returns the appointment checks as a submission validator.
func Validator() submission.Validator {
	return submission.ValidatorFunc(Validate)
}

// ParseWeekdays turns a comma separated list such as "mon,wed" into the Days
// selection of an Appointment.
func ParseWeekdays(list string) ([7]bool, error) {
	var days [7]bool
	for _, raw := range strings.Split(list, ",") {
		day := strings.ToLower(strings.TrimSpace(raw))
		if day == "" {
			continue
		}
		found := false
		for i, name := range weekdayFields {
			if name == day {
				days[i] = true
				found = true
				break
			}
		}
		if !found {
			return days, fmt.Errorf("appointments: unknown weekday %q", raw)
		}
	}
	return days, nil
}
