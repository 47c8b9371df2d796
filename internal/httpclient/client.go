// Package httpclient performs calls against the booking back end with a
// bounded, linearly backed-off retry loop and classifies the failures.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/booking-guard/internal/observability/metrics"
	"github.com/wolfman30/booking-guard/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBaseURL       = "http://localhost:5000"
	defaultUserAgent     = "booking-guard/0.1"
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
)

// Config controls how the client behaves.
type Config struct {
	BaseURL     string
	CSRFToken   string
	BearerToken string
	// RetryAttempts is the total number of calls per logical request.
	RetryAttempts int
	// RetryDelay is multiplied by the attempt number before each retry.
	RetryDelay time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	Metrics    *metrics.ClientMetrics
	Tracer     trace.Tracer
	UserAgent  string
	// OnUnauthorized runs once when the back end answers 401.
	OnUnauthorized func()
	// OnAttempt sees every outgoing call, retries included.
	OnAttempt func(Attempt)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	retryAttempts  int
	retryDelay     time.Duration
	logger         *logging.Logger
	metrics        *metrics.ClientMetrics
	tracer         trace.Tracer
	userAgent      string
	onUnauthorized func()
	onAttempt      func(Attempt)
	sleep          func(ctx context.Context, d time.Duration) error

	mu          sync.RWMutex
	csrfToken   string
	bearerToken string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("httpclient: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("booking.internal.httpclient")
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		retryAttempts:  attempts,
		retryDelay:     delay,
		logger:         logger.Component("httpclient"),
		metrics:        cfg.Metrics,
		tracer:         tracer,
		userAgent:      userAgent,
		onUnauthorized: cfg.OnUnauthorized,
		onAttempt:      cfg.OnAttempt,
		sleep:          sleepContext,
		csrfToken:      cfg.CSRFToken,
		bearerToken:    cfg.BearerToken,
	}, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SetBearerToken replaces the Authorization token used by later calls.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearerToken = token
}

// SetCSRFToken replaces the X-CSRFToken header used by later calls.
func (c *Client) SetCSRFToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csrfToken = token
}

func (c *Client) tokens() (csrf, bearer string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.csrfToken, c.bearerToken
}

// Do runs req with retries. A 2xx reply is returned as a Response; anything
// else comes back as an *APIError or a transport error.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	fullURL := c.buildURL(req.Path, req.Query)
	body, contentType, err := req.encodeBody()
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "httpclient.do")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.http.method", method),
		attribute.String("booking.http.path", req.Path),
		attribute.Bool("booking.http.idempotent", req.IdempotencyKey != ""),
	)

	start := time.Now()
	resp, err := c.invoke(ctx, method, fullURL, req, body, contentType)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.Int("booking.http.attempts", resp.Attempts))
	}
	c.metrics.ObserveLatency(method, outcome, time.Since(start).Seconds())
	return resp, err
}

func (c *Client) invoke(ctx context.Context, method, fullURL string, req Request, body []byte, contentType string) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		httpReq, err := c.newRequest(ctx, method, fullURL, req, body, contentType)
		if err != nil {
			return nil, err
		}
		if c.onAttempt != nil {
			c.onAttempt(Attempt{
				Number: attempt,
				Method: method,
				URL:    fullURL,
				Header: httpReq.Header.Clone(),
				Body:   body,
			})
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.metrics.ObserveAttempt(method, 0)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("httpclient: http error: %w", err)
			if attempt == c.retryAttempts {
				return nil, lastErr
			}
			if sleepErr := c.retry(ctx, fullURL, attempt, 0, err, "network"); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.metrics.ObserveAttempt(method, resp.StatusCode)
		if readErr != nil {
			lastErr = fmt.Errorf("httpclient: read response: %w", readErr)
			if attempt == c.retryAttempts {
				return nil, lastErr
			}
			if sleepErr := c.retry(ctx, fullURL, attempt, resp.StatusCode, readErr, "read"); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &Response{
				StatusCode:  resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Header:      resp.Header,
				Body:        data,
				Attempts:    attempt,
			}, nil
		}

		apiErr := decodeAPIError(resp.StatusCode, resp.Status, data)
		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.Warn("booking back end rejected credentials", "url", fullURL)
			if c.onUnauthorized != nil {
				c.onUnauthorized()
			}
			return nil, apiErr
		}
		if resp.StatusCode >= 500 {
			if attempt < c.retryAttempts {
				lastErr = apiErr
				if sleepErr := c.retry(ctx, fullURL, attempt, resp.StatusCode, apiErr, "server_error"); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			}
			apiErr.cause = ErrExhaustedRetries
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("httpclient: request failed without response")
}

func (c *Client) newRequest(ctx context.Context, method, fullURL string, req Request, body []byte, contentType string) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	csrf, bearer := c.tokens()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if csrf != "" {
		httpReq.Header.Set("X-CSRFToken", csrf)
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
		httpReq.Header.Set("X-Request-ID", uuid.NewString())
	}
	for key, values := range req.Header {
		httpReq.Header.Del(key)
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	return httpReq, nil
}

func (c *Client) buildURL(path string, query url.Values) string {
	full := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		full = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(full, "?") {
			sep = "&"
		}
		full = full + sep + query.Encode()
	}
	return full
}

// retry logs, counts and waits RetryDelay*attempt before the next call.
func (c *Client) retry(ctx context.Context, fullURL string, attempt, status int, err error, reason string) error {
	c.logger.Warn("booking request retry",
		"url", fullURL,
		"attempt", attempt,
		"status", status,
		"reason", reason,
		"error", err,
	)
	c.metrics.ObserveRetry(reason)
	return c.sleep(ctx, c.retryDelay*time.Duration(attempt))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
