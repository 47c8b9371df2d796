// Package submission runs a form submission end to end: fingerprint, duplicate
// guard, retrying call, and the form state updates that follow the outcome.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/guard"
	"github.com/wolfman30/booking-guard/internal/httpclient"
	"github.com/wolfman30/booking-guard/internal/notify"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var submissionTracer = otel.Tracer("booking.internal.submission")

var (
	// ErrDuplicateSubmission means the submission was stopped locally and
	// never reached the network.
	ErrDuplicateSubmission = errors.New("submission: duplicate submission")
	// ErrFormBusy means the same form already has a submission running.
	ErrFormBusy = fmt.Errorf("%w: form is already submitting", ErrDuplicateSubmission)
)

const (
	msgAlreadySent    = "This request was already sent, please wait a moment"
	msgFormBusy       = "Still processing, please wait a moment"
	msgDefaultSuccess = "Saved successfully"
	msgDefaultFailure = "Could not save, please try again"
	msgUnauthorized   = "Your session has expired, please log in again"
	msgBadResponse    = "Unexpected response from the server"

	tokenAttempts = 3
)

// Executor sends a request. *httpclient.Client satisfies it.
type Executor interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// SubmitResponse is the body every form endpoint answers with.
type SubmitResponse struct {
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	FieldErrors  httpclient.FieldErrors `json:"field_errors,omitempty"`
	NewFormToken string                 `json:"new_form_token,omitempty"`
	RedirectURL  string                 `json:"redirect_url,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// Result describes an accepted submission.
type Result struct {
	Response    SubmitResponse
	Fingerprint fingerprint.Fingerprint
	RedirectURL string
	StatusCode  int
}

// RejectedError is returned when the back end (or the transport) refused the
// submission. The form has already been updated with field errors and a new
// token by the time the caller sees it.
type RejectedError struct {
	Response    SubmitResponse
	Fingerprint fingerprint.Fingerprint
	Err         error
}

func (e *RejectedError) Error() string {
	msg := e.Response.Error
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return "submission: rejected: " + msg
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Config wires an Orchestrator.
type Config struct {
	Executor     Executor
	Guard        guard.Guard
	Fingerprints *fingerprint.Generator
	Notifier     notify.Notifier
	// ReleaseDelay is how long a fingerprint stays blocked after the outcome.
	ReleaseDelay time.Duration
	Logger       *logging.Logger
	Metrics      *metrics.ClientMetrics
	Now          func() time.Time
	NewToken     func() string
	// Audit records every outcome. Optional; failures are only logged.
	Audit AuditSink
}

// AuditEntry is one submission outcome.
type AuditEntry struct {
	FormID      string
	Action      string
	Fingerprint fingerprint.Fingerprint
	Outcome     string
	StatusCode  int
	Message     string
	At          time.Time
}

// AuditSink persists submission outcomes.
type AuditSink interface {
	RecordSubmission(ctx context.Context, entry AuditEntry) error
}

// Orchestrator is safe for concurrent use across forms.
type Orchestrator struct {
	executor     Executor
	guard        guard.Guard
	fingerprints *fingerprint.Generator
	notifier     notify.Notifier
	releaseDelay time.Duration
	logger       *logging.Logger
	metrics      *metrics.ClientMetrics
	now          func() time.Time
	newToken     func() string
	auditSink    AuditSink
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Executor == nil {
		return nil, errors.New("submission: executor is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("submission: guard is required")
	}
	if cfg.Fingerprints == nil {
		cfg.Fingerprints = fingerprint.NewGenerator()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = guard.DefaultReleaseDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewToken == nil {
		cfg.NewToken = uuid.NewString
	}
	return &Orchestrator{
		executor:     cfg.Executor,
		guard:        cfg.Guard,
		fingerprints: cfg.Fingerprints,
		notifier:     cfg.Notifier,
		releaseDelay: cfg.ReleaseDelay,
		logger:       cfg.Logger.Component("submission"),
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		newToken:     cfg.NewToken,
		auditSink:    cfg.Audit,
	}, nil
}

// Submit sends form once. Duplicates are rejected with an error wrapping
// ErrDuplicateSubmission before any network call; back end refusals come back
// as *RejectedError.
func (o *Orchestrator) Submit(ctx context.Context, form *Form) (*Result, error) {
	if form == nil {
		return nil, errors.New("submission: form is required")
	}
	if !form.busy.CompareAndSwap(false, true) {
		o.metrics.ObserveSuppressed("form_busy")
		o.logger.Debug("form already submitting", "form", form.ID)
		o.notify(ctx, notify.LevelWarning, msgFormBusy)
		return nil, ErrFormBusy
	}
	defer form.busy.Store(false)

	ctx, span := submissionTracer.Start(ctx, "submission.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.form.id", form.ID),
		attribute.String("booking.form.action", form.Action),
	)

	token := form.ensureToken(o.newToken)

	fields := form.Fields()
	if form.Validator != nil {
		notes, err := form.Validator.Validate(fields, o.now())
		if err != nil {
			o.metrics.ObserveSubmission("invalid")
			o.audit(ctx, form, "", "invalid", 0, err.Error())
			o.notify(ctx, notify.LevelError, err.Error())
			span.RecordError(err)
			return nil, fmt.Errorf("submission: %w", err)
		}
		form.replaceFields(fields)
		for _, note := range notes {
			o.notify(ctx, notify.LevelInfo, note)
		}
	}

	fp := o.fingerprints.Generate(fields)
	span.SetAttributes(attribute.String("booking.fingerprint", fp.String()))
	if err := o.guard.Acquire(ctx, fp); err != nil {
		if errors.Is(err, guard.ErrDuplicateInFlight) || errors.Is(err, guard.ErrTooSoon) {
			o.metrics.ObserveSubmission("duplicate")
			o.audit(ctx, form, fp, "duplicate", 0, err.Error())
			o.logger.Debug("duplicate submission suppressed", "form", form.ID, "fingerprint", fp, "reason", err)
			o.notify(ctx, notify.LevelWarning, msgAlreadySent)
			return nil, fmt.Errorf("%w: %w", ErrDuplicateSubmission, err)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("submission: acquire guard: %w", err)
	}
	defer func() {
		if err := o.guard.ReleaseAfter(context.WithoutCancel(ctx), fp, o.releaseDelay); err != nil {
			o.logger.Warn("failed to schedule fingerprint release", "fingerprint", fp, "error", err)
		}
	}()

	form.clearFieldErrors()

	req := httpclient.Request{
		Method:         form.Method,
		Path:           form.Action,
		IdempotencyKey: fp.String(),
	}
	body := fields.Clone()
	body.Set("request_id", uuid.NewString())
	body.Set("form_token", token)
	if form.Encoding == EncodingMultipart {
		values := make(map[string]string, len(body))
		for k, v := range body {
			values[k] = v.String()
		}
		req.Form = httpclient.NewMultipartForm(values)
	} else {
		req.JSON = body
	}

	resp, err := o.executor.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, o.reject(ctx, form, fp, statusFromError(err), responseFromError(err), err)
	}

	var out SubmitResponse
	if !resp.IsJSON() {
		return nil, o.reject(ctx, form, fp, resp.StatusCode, SubmitResponse{Error: msgBadResponse},
			fmt.Errorf("submission: non-json response %q", resp.ContentType))
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, o.reject(ctx, form, fp, resp.StatusCode, SubmitResponse{Error: msgBadResponse},
			fmt.Errorf("submission: decode response: %w", err))
	}
	if !out.Success {
		return nil, o.reject(ctx, form, fp, resp.StatusCode, out, nil)
	}

	form.reset(o.nextToken(out.NewFormToken, token))
	o.metrics.ObserveSubmission("accepted")
	msg := firstNonEmpty(out.Message, form.SuccessMessage, msgDefaultSuccess)
	o.audit(ctx, form, fp, "accepted", resp.StatusCode, msg)
	o.notify(ctx, notify.LevelSuccess, msg)
	o.logger.Info("submission accepted", "form", form.ID, "fingerprint", fp, "attempts", resp.Attempts)
	return &Result{
		Response:    out,
		Fingerprint: fp,
		RedirectURL: out.RedirectURL,
		StatusCode:  resp.StatusCode,
	}, nil
}

func (o *Orchestrator) reject(ctx context.Context, form *Form, fp fingerprint.Fingerprint, status int, out SubmitResponse, cause error) error {
	form.fail(out.FieldErrors, o.nextToken(out.NewFormToken, form.Token()))
	o.metrics.ObserveSubmission("rejected")

	msg := out.Error
	switch {
	case errors.Is(cause, httpclient.ErrUnauthorized):
		msg = msgUnauthorized
	case msg == "":
		msg = msgDefaultFailure
	}
	o.audit(ctx, form, fp, "rejected", status, msg)
	o.notify(ctx, notify.LevelError, msg)
	o.logger.Warn("submission rejected", "form", form.ID, "fingerprint", fp, "error", msg, "field_errors", len(out.FieldErrors))
	if out.Error == "" {
		out.Error = msg
	}
	return &RejectedError{Response: out, Fingerprint: fp, Err: cause}
}

// nextToken prefers the server's replacement and never hands back the token
// that was just spent. A generator that keeps repeating itself is abandoned
// for a random UUID.
func (o *Orchestrator) nextToken(serverToken, spent string) string {
	if serverToken != "" && serverToken != spent {
		return serverToken
	}
	for i := 0; i < tokenAttempts; i++ {
		if t := o.newToken(); t != "" && t != spent {
			return t
		}
	}
	o.logger.Warn("token generator repeated the spent token; using a random one")
	return uuid.NewString()
}

func (o *Orchestrator) audit(ctx context.Context, form *Form, fp fingerprint.Fingerprint, outcome string, status int, msg string) {
	if o.auditSink == nil {
		return
	}
	entry := AuditEntry{
		FormID:      form.ID,
		Action:      form.Action,
		Fingerprint: fp,
		Outcome:     outcome,
		StatusCode:  status,
		Message:     msg,
		At:          o.now().UTC(),
	}
	if err := o.auditSink.RecordSubmission(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("failed to record submission audit", "form", form.ID, "outcome", outcome, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, level notify.Level, msg string) {
	o.notifier.Notify(ctx, notify.Notice{Level: level, Message: msg, Source: "submission"})
}

// responseFromError recovers the structured body a 4xx/5xx may carry.
func responseFromError(err error) SubmitResponse {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return SubmitResponse{Error: "Connection error: " + err.Error()}
	}
	var out SubmitResponse
	if len(apiErr.Body) > 0 {
		_ = json.Unmarshal(apiErr.Body, &out)
	}
	out.Success = false
	if out.Error == "" {
		out.Error = apiErr.Message
	}
	if len(out.FieldErrors) == 0 {
		out.FieldErrors = apiErr.FieldErrors
	}
	if out.NewFormToken == "" {
		out.NewFormToken = apiErr.NewFormToken
	}
	return out
}

func statusFromError(err error) int {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
