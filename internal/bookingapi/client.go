// Package bookingapi is a typed client for the booking back end endpoints:
// events, appointments, auth, the scheduling-provider proxy, usage limits
// and the status endpoints.
package bookingapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/guard"
	"github.com/wolfman30/booking-guard/internal/httpclient"
	"github.com/wolfman30/booking-guard/internal/submission"
	"github.com/wolfman30/booking-guard/pkg/logging"
)

const (
	pathEvents     = "/get_events"
	pathLogin      = "/api/auth/login"
	pathRegister   = "/api/auth/register"
	pathAPIKey     = "/api/organization/api_key"
	pathEventTypes = "/api/organization/event-types"
	pathBookings   = "/api/bookings/"
	pathUsage      = "/api/usage-stats"
	pathHeartbeat  = "/api/heartbeat"
	pathErrors     = "/api/errors"
)

var (
	// ErrEventNotFound is returned by GetEvent when the id matches nothing.
	ErrEventNotFound = errors.New("bookingapi: event not found")
	// ErrAPIKeyRequired means the organization has not saved a scheduling
	// provider API key yet (HTTP 403 from the provider proxy).
	ErrAPIKeyRequired = errors.New("bookingapi: organization API key required")
)

// Executor sends requests. *httpclient.Client satisfies it.
type Executor interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

type tokenSetter interface {
	SetBearerToken(token string)
}

// Config wires a Client.
type Config struct {
	HTTP         Executor
	Orchestrator *submission.Orchestrator
	// Guard and Fingerprints protect CreateBooking, which does not go through
	// a form. Optional.
	Guard        guard.Guard
	Fingerprints *fingerprint.Generator
	ReleaseDelay time.Duration
	LoginPath    string
	Logger       *logging.Logger
}

// Client is safe for concurrent use.
type Client struct {
	http         Executor
	orch         *submission.Orchestrator
	guard        guard.Guard
	fingerprints *fingerprint.Generator
	releaseDelay time.Duration
	loginPath    string
	logger       *logging.Logger

	mu      sync.RWMutex
	session *Session
}

func New(cfg Config) (*Client, error) {
	if cfg.HTTP == nil {
		return nil, errors.New("bookingapi: http executor is required")
	}
	if cfg.Fingerprints == nil {
		cfg.Fingerprints = fingerprint.NewGenerator()
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = guard.DefaultReleaseDelay
	}
	if strings.TrimSpace(cfg.LoginPath) == "" {
		cfg.LoginPath = pathLogin
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Client{
		http:         cfg.HTTP,
		orch:         cfg.Orchestrator,
		guard:        cfg.Guard,
		fingerprints: cfg.Fingerprints,
		releaseDelay: cfg.ReleaseDelay,
		loginPath:    cfg.LoginPath,
		logger:       cfg.Logger.Component("bookingapi"),
	}, nil
}

// GetEvents lists events matching filter.
func (c *Client) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	resp, err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: pathEvents, Query: filter.query()})
	if err != nil {
		return nil, fmt.Errorf("bookingapi: get events: %w", err)
	}
	var body struct {
		Events []Event `json:"events"`
		Error  string  `json:"error"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, fmt.Errorf("bookingapi: get events: %w", err)
	}
	if body.Error != "" && len(body.Events) == 0 {
		return nil, fmt.Errorf("bookingapi: get events: %s", body.Error)
	}
	return body.Events, nil
}

// GetEvent fetches a single event by id.
func (c *Client) GetEvent(ctx context.Context, id string) (*Event, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("bookingapi: event id required")
	}
	events, err := c.GetEvents(ctx, EventFilter{EventID: id})
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].ID == id {
			return &events[i], nil
		}
	}
	if len(events) == 1 {
		return &events[0], nil
	}
	return nil, ErrEventNotFound
}

// Submit runs any form through the orchestrator.
func (c *Client) Submit(ctx context.Context, form *submission.Form) (*submission.Result, error) {
	if c.orch == nil {
		return nil, errors.New("bookingapi: no submission orchestrator configured")
	}
	return c.orch.Submit(ctx, form)
}

// CreateAppointment submits an appointment form, see appointments.NewForm.
func (c *Client) CreateAppointment(ctx context.Context, form *submission.Form) (*submission.Result, error) {
	if form.Action == "" {
		form.Action = "/create_appointment"
	}
	return c.Submit(ctx, form)
}

// Register submits a registration form as JSON.
func (c *Client) Register(ctx context.Context, form *submission.Form) (*submission.Result, error) {
	if form.Action == "" {
		form.Action = pathRegister
	}
	form.Encoding = submission.EncodingJSON
	return c.Submit(ctx, form)
}

// NewRegistrationForm builds the sign-up form.
func NewRegistrationForm(email, organization, contactEmail, password string) *submission.Form {
	return submission.NewForm("registerForm", pathRegister, fingerprint.FromStrings(map[string]string{
		"email":             email,
		"organization_name": organization,
		"contact_email":     contactEmail,
		"password":          password,
		"confirm_password":  password,
	}))
}

// Login posts credentials as a multipart form, stores the session and sends
// the token on later calls.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	form := httpclient.NewMultipartForm(map[string]string{"username": email, "email": email, "password": password})
	resp, err := c.http.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: c.loginPath, Form: form})
	if err != nil {
		return nil, fmt.Errorf("bookingapi: login: %w", err)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, fmt.Errorf("bookingapi: login: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("bookingapi: login: no access token in response")
	}
	session, err := ParseSession(body.AccessToken)
	if err != nil {
		c.logger.Debug("access token is not a JWT, expiry unknown", "error", err)
		session = &Session{AccessToken: body.AccessToken}
	}
	if body.TokenType != "" {
		session.TokenType = body.TokenType
	}
	c.setSession(session)
	return session, nil
}

// UseToken installs a token obtained elsewhere, e.g. from configuration.
func (c *Client) UseToken(token string) *Session {
	session, err := ParseSession(token)
	if err != nil {
		session = &Session{AccessToken: token}
	}
	c.setSession(session)
	return session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	if ts, ok := c.http.(tokenSetter); ok {
		ts.SetBearerToken(s.AccessToken)
	}
}

// Session returns the current session, nil before login.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Logout forgets the session.
func (c *Client) Logout() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	if ts, ok := c.http.(tokenSetter); ok {
		ts.SetBearerToken("")
	}
}

// SaveAPIKey stores the organization's scheduling-provider key.
func (c *Client) SaveAPIKey(ctx context.Context, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return errors.New("bookingapi: api key required")
	}
	_, err := c.http.Do(ctx, httpclient.Request{
		Method: http.MethodPut,
		Path:   pathAPIKey,
		JSON:   map[string]string{"api_key": apiKey},
	})
	if err != nil {
		return fmt.Errorf("bookingapi: save api key: %w", err)
	}
	return nil
}

// EventTypes lists the bookable event types.
func (c *Client) EventTypes(ctx context.Context) ([]EventType, error) {
	var out []EventType
	if err := c.getProxied(ctx, pathEventTypes, &out); err != nil {
		return nil, fmt.Errorf("bookingapi: event types: %w", err)
	}
	return out, nil
}

// ListBookings lists bookings held by the scheduling provider.
func (c *Client) ListBookings(ctx context.Context) ([]Booking, error) {
	var out []Booking
	if err := c.getProxied(ctx, pathBookings, &out); err != nil {
		return nil, fmt.Errorf("bookingapi: list bookings: %w", err)
	}
	return out, nil
}

func (c *Client) getProxied(ctx context.Context, path string, v any) error {
	resp, err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return classifyProxyError(err)
	}
	return resp.Decode(v)
}

func classifyProxyError(err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrAPIKeyRequired, err)
	}
	return err
}

// CreateBooking books through the provider proxy. Identical bookings are
// suppressed by the guard like form submissions.
func (c *Client) CreateBooking(ctx context.Context, req BookingRequest) (*Booking, error) {
	if req.Responses == nil {
		req.Responses = map[string]any{}
	}
	fp := c.fingerprints.Generate(fingerprint.FromStrings(req.fingerprintFields()))
	if c.guard != nil {
		if err := c.guard.Acquire(ctx, fp); err != nil {
			return nil, fmt.Errorf("bookingapi: create booking: %w", err)
		}
		defer func() {
			if err := c.guard.ReleaseAfter(context.WithoutCancel(ctx), fp, c.releaseDelay); err != nil {
				c.logger.Warn("failed to schedule fingerprint release", "fingerprint", fp, "error", err)
			}
		}()
	}
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method:         http.MethodPost,
		Path:           pathBookings,
		JSON:           req,
		IdempotencyKey: fp.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("bookingapi: create booking: %w", classifyProxyError(err))
	}
	var out Booking
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("bookingapi: create booking: %w", err)
	}
	return &out, nil
}

// UsageStats returns the organization's plan usage.
func (c *Client) UsageStats(ctx context.Context) (*UsageStats, error) {
	resp, err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: pathUsage})
	if err != nil {
		return nil, fmt.Errorf("bookingapi: usage stats: %w", err)
	}
	var body struct {
		Success bool       `json:"success"`
		Error   string     `json:"error"`
		Data    UsageStats `json:"data"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, fmt.Errorf("bookingapi: usage stats: %w", err)
	}
	if !body.Success {
		msg := body.Error
		if msg == "" {
			msg = "unsuccessful response"
		}
		return nil, fmt.Errorf("bookingapi: usage stats: %s", msg)
	}
	return &body.Data, nil
}

// Heartbeat tells the back end this client is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	if _, err := c.http.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: pathHeartbeat}); err != nil {
		return fmt.Errorf("bookingapi: heartbeat: %w", err)
	}
	return nil
}

// ReportError posts a client-side error report.
func (c *Client) ReportError(ctx context.Context, report ErrorReport) error {
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	if _, err := c.http.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: pathErrors, JSON: report}); err != nil {
		return fmt.Errorf("bookingapi: report error: %w", err)
	}
	return nil
}
