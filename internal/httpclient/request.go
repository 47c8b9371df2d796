package httpclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
)

// Request is one logical call. The body is encoded once and replayed on
// every attempt.
type Request struct {
	Method string
	// Path is joined to the client's BaseURL unless it is already absolute.
	Path   string
	Query  url.Values
	Header http.Header
	// JSON, when set, is sent as application/json.
	JSON any
	// Form, when set, is sent as multipart/form-data. JSON wins if both are set.
	Form *MultipartForm
	// IdempotencyKey adds X-Idempotency-Key and a fresh X-Request-ID per attempt.
	IdempotencyKey string
}

// MultipartForm is a flat set of text fields.
type MultipartForm struct {
	Fields map[string]string
}

// NewMultipartForm copies fields into a form.
func NewMultipartForm(fields map[string]string) *MultipartForm {
	f := &MultipartForm{Fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		f.Fields[k] = v
	}
	return f
}

// Set stores one field.
func (f *MultipartForm) Set(key, value string) {
	if f.Fields == nil {
		f.Fields = make(map[string]string)
	}
	f.Fields[key] = value
}

func (f *MultipartForm) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, f.Fields[k]); err != nil {
			return nil, "", fmt.Errorf("httpclient: write form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("httpclient: close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (r Request) encodeBody() ([]byte, string, error) {
	switch {
	case r.JSON != nil:
		body, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("httpclient: marshal body: %w", err)
		}
		return body, "application/json", nil
	case r.Form != nil:
		return r.Form.encode()
	default:
		return nil, "", nil
	}
}

// Attempt describes one network call of a logical request. It is handed to
// Config.OnAttempt and never stored.
type Attempt struct {
	Number int
	Method string
	URL    string
	Header http.Header
	Body   []byte
}
