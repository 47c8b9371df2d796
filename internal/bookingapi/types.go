package bookingapi

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// flexString decodes a JSON string or number into a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Event is one calendar entry from /get_events. Back ends disagree on how the
// sub-calendar is reported, so all three shapes are folded into
// SubcalendarIDs and SubcalendarDisplay.
type Event struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	StartDT            string   `json:"start_dt"`
	EndDT              string   `json:"end_dt"`
	Location           string   `json:"location,omitempty"`
	Who                string   `json:"who,omitempty"`
	Notes              string   `json:"notes,omitempty"`
	SubcalendarDisplay string   `json:"subcalendar_display,omitempty"`
	SubcalendarIDs     []string `json:"subcalendar_ids,omitempty"`
	SourceCalendarID   string   `json:"source_calendar_id,omitempty"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                 flexString   `json:"id"`
		Title              string       `json:"title"`
		StartDT            string       `json:"start_dt"`
		EndDT              string       `json:"end_dt"`
		Location           string       `json:"location"`
		Who                string       `json:"who"`
		Notes              string       `json:"notes"`
		SubcalendarDisplay string       `json:"subcalendar_display"`
		SubcalendarID      flexString   `json:"subcalendar_id"`
		SubcalendarIDs     []flexString `json:"subcalendar_ids"`
		SourceCalendarID   flexString   `json:"source_calendar_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{
		ID:                 string(raw.ID),
		Title:              raw.Title,
		StartDT:            raw.StartDT,
		EndDT:              raw.EndDT,
		Location:           raw.Location,
		Who:                raw.Who,
		Notes:              raw.Notes,
		SubcalendarDisplay: raw.SubcalendarDisplay,
		SourceCalendarID:   string(raw.SourceCalendarID),
	}
	for _, id := range raw.SubcalendarIDs {
		if id != "" {
			e.SubcalendarIDs = append(e.SubcalendarIDs, string(id))
		}
	}
	if len(e.SubcalendarIDs) == 0 && raw.SubcalendarID != "" {
		e.SubcalendarIDs = []string{string(raw.SubcalendarID)}
	}
	return nil
}

// Subcalendar returns a label for the event's sub-calendar.
func (e Event) Subcalendar() string {
	if e.SubcalendarDisplay != "" {
		return e.SubcalendarDisplay
	}
	return strings.Join(e.SubcalendarIDs, ", ")
}

// StartDate returns the date part of StartDT, the key events are grouped by.
func (e Event) StartDate() string {
	date, _, _ := strings.Cut(e.StartDT, "T")
	return date
}

// EventFilter narrows /get_events. Empty fields are not sent.
type EventFilter struct {
	EventID       string
	SubcalendarID string
	StartDate     string
	EndDate       string
}

func (f EventFilter) query() url.Values {
	q := url.Values{}
	if f.EventID != "" {
		q.Set("event_id", f.EventID)
	}
	if f.SubcalendarID != "" {
		q.Set("subcalendar_id", f.SubcalendarID)
	}
	if f.StartDate != "" {
		q.Set("start_date", f.StartDate)
	}
	if f.EndDate != "" {
		q.Set("end_date", f.EndDate)
	}
	return q
}

// UsageStats reports plan limits. A max of -1 means unlimited.
type UsageStats struct {
	MonthlyAppointments     int     `json:"monthly_appointments"`
	MaxAppointments         int     `json:"max_appointments"`
	CanCreateAppointment    bool    `json:"can_create_appointment"`
	MonthlyStaff            int     `json:"monthly_staff"`
	MaxStaff                int     `json:"max_staff"`
	CanAddStaff             bool    `json:"can_add_staff"`
	AppointmentUsagePercent float64 `json:"appointment_usage_percent"`
	StaffUsagePercent       float64 `json:"staff_usage_percent"`
}

// ErrorReport is posted to /api/errors.
type ErrorReport struct {
	Message        string         `json:"message"`
	Stack          string         `json:"stack,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	URL            string         `json:"url,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// EventType is a bookable event type from the scheduling provider.
type EventType struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Slug   string `json:"slug,omitempty"`
	Length int    `json:"length,omitempty"`
}

// BookingRequest creates a booking through /api/bookings/.
type BookingRequest struct {
	Title       string         `json:"title"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	EventTypeID int            `json:"eventTypeId"`
	Description string         `json:"description,omitempty"`
	Responses   map[string]any `json:"responses"`
}

func (b BookingRequest) fingerprintFields() map[string]string {
	return map[string]string{
		"title":      b.Title,
		"start_date": b.Start.UTC().Format("2006-01-02"),
		"start_time": b.Start.UTC().Format("15:04"),
		"event_type": strconv.Itoa(b.EventTypeID),
	}
}

// Booking is a booking as listed by /api/bookings/.
type Booking struct {
	ID        flexString `json:"id"`
	Title     string     `json:"title"`
	StartTime string     `json:"startTime"`
	EndTime   string     `json:"endTime"`
	Status    string     `json:"status"`
	Organizer struct {
		Name string `json:"name"`
	} `json:"organizer"`
}

// Confirmed reports a CONFIRMED booking.
func (b Booking) Confirmed() bool { return strings.EqualFold(b.Status, "CONFIRMED") }
