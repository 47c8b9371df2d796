// Package audit keeps an append-only Postgres log of form submission
// outcomes.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/submission"
)

// Outcome mirrors the submission outcomes.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
)

// Event is one stored submission outcome.
type Event struct {
	ID          string                  `json:"id"`
	OrgID       string                  `json:"org_id,omitempty"`
	FormID      string                  `json:"form_id"`
	Action      string                  `json:"action"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	Outcome     Outcome                 `json:"outcome"`
	StatusCode  int                     `json:"status_code,omitempty"`
	Message     string                  `json:"message,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

// Filter narrows Query. Zero fields are ignored.
type Filter struct {
	OrgID       string
	Fingerprint fingerprint.Fingerprint
	Outcome     Outcome
	Since       time.Time
	Limit       int
}

// Service writes and reads submission_audit_events.
type Service struct {
	db    *sql.DB
	orgID string
}

var _ submission.AuditSink = (*Service)(nil)

// NewService scopes every record to orgID.
func NewService(db *sql.DB, orgID string) *Service {
	return &Service{db: db, orgID: orgID}
}

// Log inserts e, filling the id and timestamp when unset.
func (s *Service) Log(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.OrgID == "" {
		e.OrgID = s.orgID
	}

	query := `
		INSERT INTO submission_audit_events (
			id, org_id, form_id, action, fingerprint,
			outcome, status_code, message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.OrgID,
		e.FormID,
		e.Action,
		nullString(string(e.Fingerprint)),
		string(e.Outcome),
		nullInt(e.StatusCode),
		nullString(e.Message),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// RecordSubmission stores an orchestrator outcome.
func (s *Service) RecordSubmission(ctx context.Context, entry submission.AuditEntry) error {
	return s.Log(ctx, Event{
		FormID:      entry.FormID,
		Action:      entry.Action,
		Fingerprint: entry.Fingerprint,
		Outcome:     Outcome(entry.Outcome),
		StatusCode:  entry.StatusCode,
		Message:     entry.Message,
		CreatedAt:   entry.At,
	})
}

// Query returns matching events, newest first.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Event, error) {
	orgID := filter.OrgID
	if orgID == "" {
		orgID = s.orgID
	}
	query := `
		SELECT id, org_id, form_id, action, fingerprint,
			   outcome, status_code, message, created_at
		FROM submission_audit_events
		WHERE org_id = $1
	`
	args := []any{orgID}
	argIdx := 2

	if filter.Fingerprint != "" {
		query += fmt.Sprintf(" AND fingerprint = $%d", argIdx)
		args = append(args, string(filter.Fingerprint))
		argIdx++
	}
	if filter.Outcome != "" {
		query += fmt.Sprintf(" AND outcome = $%d", argIdx)
		args = append(args, string(filter.Outcome))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			fp, msg sql.NullString
			status  sql.NullInt64
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.OrgID, &e.FormID, &e.Action, &fp, &outcome, &status, &msg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Fingerprint = fingerprint.Fingerprint(fp.String)
		e.Outcome = Outcome(outcome)
		e.StatusCode = int(status.Int64)
		e.Message = msg.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: read events: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
