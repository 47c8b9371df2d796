package submission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/guard"
	"github.com/wolfman30/booking-guard/internal/guard/guardtest"
	"github.com/wolfman30/booking-guard/internal/httpclient"
	"github.com/wolfman30/booking-guard/internal/notify"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

type harness struct {
	orch     *Orchestrator
	clock    *guardtest.FakeClock
	registry *guard.Registry
	notices  *notify.Recorder
	calls    *int32
	bodies   *bodyLog
}

type bodyLog struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (b *bodyLog) add(m map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodies = append(b.bodies, m)
}

func (b *bodyLog) last() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bodies) == 0 {
		return nil
	}
	return b.bodies[len(b.bodies)-1]
}

func newHarness(t *testing.T, handler http.HandlerFunc) *harness {
	t.Helper()
	var calls int32
	bodies := &bodyLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			raw, _ := io.ReadAll(r.Body)
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Errorf("decode request body: %v", err)
			}
			bodies.add(decoded)
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := httpclient.New(httpclient.Config{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		RetryDelay: time.Millisecond,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)

	clock := guardtest.NewFakeClock(time.Date(2025, 1, 9, 8, 0, 0, 0, time.UTC))
	registry := guard.NewRegistry(guard.RegistryConfig{Clock: clock, Logger: logging.Discard()})
	notices := notify.NewRecorder()
	orch, err := New(Config{
		Executor: client,
		Guard:    registry,
		Notifier: notices,
		Logger:   logging.Discard(),
		Now:      clock.Now,
	})
	require.NoError(t, err)
	return &harness{orch: orch, clock: clock, registry: registry, notices: notices, calls: &calls, bodies: bodies}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func checkupForm() *Form {
	return NewForm("appointmentForm", "/create_appointment", fingerprint.FromStrings(map[string]string{
		"title":      "Checkup",
		"start_date": "2025-01-10",
		"start_time": "09:00",
	}))
}

func TestNewRequiresExecutorAndGuard(t *testing.T) {
	_, err := New(Config{Guard: guard.NewRegistry(guard.RegistryConfig{})})
	assert.Error(t, err)
	_, err = New(Config{Executor: &httpclient.Client{}})
	assert.Error(t, err)
}

func TestSubmitSuccessResetsFormAndRotatesToken(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"message":"Appointment created","redirect_url":"/appointments"}`)
	})
	form := NewForm("f", "/create_appointment", nil)
	form.Set("title", "Checkup")
	form.SetToken("tok-1")

	res, err := h.orch.Submit(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, "/appointments", res.RedirectURL)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, "", form.Fields().Get("title"), "fields reset to initial values")
	assert.NotEqual(t, "tok-1", form.Token())
	assert.NotEmpty(t, form.Token())
	assert.False(t, form.Busy())

	last, ok := h.notices.Last()
	require.True(t, ok)
	assert.Equal(t, notify.Notice{Level: notify.LevelSuccess, Message: "Appointment created", Source: "submission"}, last)

	body := h.bodies.last()
	require.NotNil(t, body)
	assert.Equal(t, "tok-1", body["form_token"])
	assert.Equal(t, "Checkup", body["title"])
	assert.NotEmpty(t, body["request_id"])
}

func TestSimultaneousIdenticalSubmissionsReachNetworkOnce(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})

	first, second := checkupForm(), checkupForm()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Submit(context.Background(), first)
		errCh <- err
	}()
	<-entered

	_, err := h.orch.Submit(context.Background(), second)
	require.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.ErrorIs(t, err, guard.ErrDuplicateInFlight)
	assert.Equal(t, 1, h.notices.Count(notify.LevelWarning))

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, int32(1), atomic.LoadInt32(h.calls))
}

func TestSameFormCannotSubmitTwiceConcurrently(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})

	form := checkupForm()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.Submit(context.Background(), form)
		errCh <- err
	}()
	<-entered
	assert.True(t, form.Busy())

	_, err := h.orch.Submit(context.Background(), form)
	assert.ErrorIs(t, err, ErrFormBusy)
	assert.ErrorIs(t, err, ErrDuplicateSubmission)

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, form.Busy())
	assert.Equal(t, int32(1), atomic.LoadInt32(h.calls))
}

func TestCheckupResubmissionWindow(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, checkupForm())
	require.NoError(t, err)

	h.clock.Advance(500 * time.Millisecond)
	_, err = h.orch.Submit(ctx, checkupForm())
	require.ErrorIs(t, err, ErrDuplicateSubmission, "second submission within 500ms is blocked")

	h.clock.Advance(4500 * time.Millisecond)
	_, err = h.orch.Submit(ctx, checkupForm())
	require.NoError(t, err, "third submission after 5s is accepted")

	assert.Equal(t, int32(2), atomic.LoadInt32(h.calls))
}

func TestRejectedSubmissionAttachesFieldErrorsAndAdoptsServerToken(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusBadRequest, `{"success":false,"error":"Validation failed","field_errors":{"email":"Email already registered"},"new_form_token":"tok-2"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})
	ctx := context.Background()
	form := NewForm("register", "/api/auth/register", nil)
	form.Set("email", "a@example.com")
	form.Set("organization_name", "Clinic")
	form.SetToken("tok-1")

	_, err := h.orch.Submit(ctx, form)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Validation failed", rejected.Response.Error)

	var apiErr *httpclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	assert.Equal(t, "tok-2", form.Token())
	assert.Equal(t, "Email already registered", form.FieldError("email"))
	assert.Equal(t, "", form.FieldError("organization_name"))
	assert.Equal(t, "a@example.com", form.Fields().Get("email"), "failed submission keeps values")

	last, _ := h.notices.Last()
	assert.Equal(t, notify.LevelError, last.Level)
	assert.Equal(t, "Validation failed", last.Message)

	h.clock.Advance(guard.DefaultReleaseDelay)
	_, err = h.orch.Submit(ctx, form)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", h.bodies.last()["form_token"], "retry uses the replacement token")
	assert.Nil(t, form.FieldErrors(), "errors cleared on resubmit")
}

func TestRejectedWithoutServerTokenGeneratesFreshOne(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":false,"error":"Slot taken"}`)
	})
	form := checkupForm()
	form.SetToken("tok-1")

	_, err := h.orch.Submit(context.Background(), form)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Nil(t, rejected.Err)
	assert.Equal(t, "submission: rejected: Slot taken", err.Error())
	assert.NotEqual(t, "tok-1", form.Token())
	assert.NotEmpty(t, form.Token())
}

func TestServerReturningSameTokenStillRotates(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, `{"success":false,"error":"Duplicate","new_form_token":"tok-1"}`)
	})
	form := checkupForm()
	form.SetToken("tok-1")

	_, err := h.orch.Submit(context.Background(), form)
	require.Error(t, err)
	assert.NotEqual(t, "tok-1", form.Token())
}

func TestConstantTokenGeneratorDoesNotLockForm(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})
	h.orch.newToken = func() string { return "fixed" }

	form := checkupForm()
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Submit(context.Background(), form)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return")
	}
	assert.False(t, form.Busy())
	assert.NotEqual(t, "fixed", form.Token())
	assert.NotEmpty(t, form.Token())
}

func TestNonJSONSuccessIsRejected(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>login</html>"))
	})
	_, err := h.orch.Submit(context.Background(), checkupForm())
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, msgBadResponse, rejected.Response.Error)
}

func TestUnauthorizedShowsLoginNotice(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"error":"token expired"}`)
	})
	_, err := h.orch.Submit(context.Background(), checkupForm())
	require.ErrorIs(t, err, httpclient.ErrUnauthorized)
	last, _ := h.notices.Last()
	assert.Equal(t, msgUnauthorized, last.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(h.calls))
}

func TestValidatorRunsBeforeNetwork(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})
	form := checkupForm()
	form.Validator = ValidatorFunc(func(fields fingerprint.FormData, now time.Time) ([]string, error) {
		return nil, errors.New("start time is in the past")
	})

	_, err := h.orch.Submit(context.Background(), form)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start time is in the past")
	assert.Equal(t, int32(0), atomic.LoadInt32(h.calls))
	stats, _ := h.registry.Stats(context.Background())
	assert.Equal(t, 0, stats.InFlight, "invalid forms never mark the guard")
}

func TestValidatorCorrectionsAreSent(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":false}`)
	})
	form := checkupForm()
	form.Validator = ValidatorFunc(func(fields fingerprint.FormData, now time.Time) ([]string, error) {
		fields.Set("end_time", "10:00")
		return []string{"End time set to 10:00"}, nil
	})

	_, err := h.orch.Submit(context.Background(), form)
	require.Error(t, err)
	assert.Equal(t, "10:00", h.bodies.last()["end_time"])
	assert.Equal(t, "10:00", form.Fields().Get("end_time"))
	assert.Equal(t, 1, h.notices.Count(notify.LevelInfo))
	assert.Equal(t, msgDefaultFailure, h.notices.Notices()[1].Message)
}

func TestMultipartEncoding(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "true", r.FormValue("is_recurring"))
		assert.Equal(t, "Checkup", r.FormValue("title"))
		assert.NotEmpty(t, r.FormValue("form_token"))
		assert.NotEmpty(t, r.Header.Get("X-Idempotency-Key"))
		writeJSON(w, http.StatusOK, `{"success":true}`)
	})
	form := checkupForm()
	form.Encoding = EncodingMultipart
	form.SetValue("is_recurring", fingerprint.Bool(true))
	form.SuccessMessage = "Recurring appointment created"

	_, err := h.orch.Submit(context.Background(), form)
	require.NoError(t, err)
	last, _ := h.notices.Last()
	assert.Equal(t, "Recurring appointment created", last.Message)
}

type failingGuard struct{}

func (failingGuard) Acquire(context.Context, fingerprint.Fingerprint) error {
	return errors.New("redis: connection refused")
}

func (failingGuard) ReleaseAfter(context.Context, fingerprint.Fingerprint, time.Duration) error {
	return nil
}

func TestGuardBackendFailureIsNotDuplicate(t *testing.T) {
	client, err := httpclient.New(httpclient.Config{Logger: logging.Discard()})
	require.NoError(t, err)
	orch, err := New(Config{Executor: client, Guard: failingGuard{}, Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = orch.Submit(context.Background(), checkupForm())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateSubmission)
	assert.Contains(t, err.Error(), "submission: acquire guard")
}

type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (a *auditLog) RecordSubmission(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return a.err
}

func (a *auditLog) outcomes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Outcome)
	}
	return out
}

func TestSubmitRecordsAuditOutcomes(t *testing.T) {
	var n int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			writeJSON(w, http.StatusOK, `{"success":true}`)
			return
		}
		writeJSON(w, http.StatusBadRequest, `{"success":false,"error":"Slot taken"}`)
	})
	log := &auditLog{err: errors.New("db down")}
	h.orch.auditSink = log

	_, err := h.orch.Submit(context.Background(), checkupForm())
	require.NoError(t, err)

	_, err = h.orch.Submit(context.Background(), checkupForm())
	require.ErrorIs(t, err, ErrDuplicateSubmission)

	h.clock.Advance(6 * time.Second)
	_, err = h.orch.Submit(context.Background(), checkupForm())
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)

	assert.Equal(t, []string{"accepted", "duplicate", "rejected"}, log.outcomes())
	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, http.StatusOK, log.entries[0].StatusCode)
	assert.Equal(t, http.StatusBadRequest, log.entries[2].StatusCode)
	assert.Equal(t, "Slot taken", log.entries[2].Message)
	assert.Equal(t, "appointmentForm", log.entries[2].FormID)
	assert.NotEmpty(t, log.entries[0].Fingerprint)
}
