package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrUnauthorized is returned on HTTP 401. The caller should send the user
	// back through login; the request is never retried.
	ErrUnauthorized = errors.New("httpclient: unauthorized")
	// ErrExhaustedRetries is wrapped by the final error when every attempt
	// failed with a server error.
	ErrExhaustedRetries = errors.New("httpclient: retries exhausted")
)

// APIError is a non-2xx response from the booking back end.
type APIError struct {
	StatusCode   int
	Status       string
	Message      string
	FieldErrors  FieldErrors
	NewFormToken string
	Body         []byte

	cause error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("httpclient: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("httpclient: %d", e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.cause }

// IsClientError reports a 4xx response.
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsValidation reports a client error that named the offending fields.
func (e *APIError) IsValidation() bool {
	return e.IsClientError() && len(e.FieldErrors) > 0
}

type errorPayload struct {
	Error        string          `json:"error"`
	Detail       string          `json:"detail"`
	Message      string          `json:"message"`
	FieldErrors  json.RawMessage `json:"field_errors"`
	NewFormToken string          `json:"new_form_token"`
}

func decodeAPIError(status int, statusText string, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Status: statusText, Body: body}
	var parsed errorPayload
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		apiErr.Message = firstNonEmpty(parsed.Error, parsed.Detail, parsed.Message)
		apiErr.FieldErrors = parseFieldErrors(parsed.FieldErrors)
		apiErr.NewFormToken = parsed.NewFormToken
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d: %s", status, statusTextOrDefault(status, statusText))
	}
	if status == http.StatusUnauthorized {
		apiErr.cause = ErrUnauthorized
	}
	return apiErr
}

// FieldErrors maps a form field to its message.
type FieldErrors map[string]string

// UnmarshalJSON accepts a string or a list of strings per field. Anything
// else decodes to nil rather than failing the whole response.
func (f *FieldErrors) UnmarshalJSON(data []byte) error {
	*f = parseFieldErrors(data)
	return nil
}

// parseFieldErrors accepts {"field": "msg"} or {"field": ["msg", ...]}.
func parseFieldErrors(raw json.RawMessage) FieldErrors {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil || len(generic) == 0 {
		return nil
	}
	out := make(FieldErrors, len(generic))
	for field, value := range generic {
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			out[field] = single
			continue
		}
		var list []string
		if err := json.Unmarshal(value, &list); err == nil {
			out[field] = strings.Join(list, "; ")
			continue
		}
		out[field] = strings.Trim(string(value), `"`)
	}
	return out
}

// FieldNames returns the fields with errors in sorted order.
func (e *APIError) FieldNames() []string {
	names := make([]string, 0, len(e.FieldErrors))
	for name := range e.FieldErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func statusTextOrDefault(status int, statusText string) string {
	// net/http reports "503 Service Unavailable"; keep only the reason phrase.
	reason := strings.TrimSpace(strings.TrimPrefix(statusText, strconv.Itoa(status)))
	if reason != "" {
		return reason
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Unknown"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
