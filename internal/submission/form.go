package submission

import (
	"sync"
	"sync/atomic"

	"github.com/wolfman30/booking-guard/internal/fingerprint"
	"github.com/wolfman30/booking-guard/internal/httpclient"
)

// Encoding selects how a form body goes over the wire.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingMultipart
)

// Form is the client-side state of one HTML form: its field values, the
// single-use token and the per-field error markers. Only one submission may
// run per form at a time.
type Form struct {
	ID       string
	Action   string
	Method   string
	Encoding Encoding
	// Validator runs before the fingerprint is taken. Optional.
	Validator Validator
	// SuccessMessage replaces the default notice on success.
	SuccessMessage string

	busy atomic.Bool

	mu          sync.Mutex
	fields      fingerprint.FormData
	initial     fingerprint.FormData
	token       string
	fieldErrors map[string]string
}

// NewForm creates a form posting to action. The given fields are also the
// values a successful submission resets to.
func NewForm(id, action string, fields fingerprint.FormData) *Form {
	if fields == nil {
		fields = fingerprint.FormData{}
	}
	return &Form{
		ID:      id,
		Action:  action,
		Method:  "POST",
		fields:  fields.Clone(),
		initial: fields.Clone(),
	}
}

// Busy reports whether a submission is running.
func (f *Form) Busy() bool { return f.busy.Load() }

// Set stores a text field.
func (f *Form) Set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields.Set(key, value)
}

// SetValue stores a field of either kind.
func (f *Form) SetValue(key string, value fingerprint.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[key] = value
}

// Fields returns a copy of the current values.
func (f *Form) Fields() fingerprint.FormData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields.Clone()
}

// Token returns the current form token, empty until the first submit.
func (f *Form) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

// SetToken installs a token, typically one rendered by the server.
func (f *Form) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

// FieldErrors returns a copy of the per-field error markers.
func (f *Form) FieldErrors() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fieldErrors) == 0 {
		return nil
	}
	out := make(map[string]string, len(f.fieldErrors))
	for k, v := range f.fieldErrors {
		out[k] = v
	}
	return out
}

// FieldError returns the marker for one field.
func (f *Form) FieldError(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fieldErrors[name]
}

func (f *Form) ensureToken(newToken func() string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		f.token = newToken()
	}
	return f.token
}

func (f *Form) replaceFields(fields fingerprint.FormData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = fields.Clone()
}

func (f *Form) clearFieldErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fieldErrors = nil
}

// reset puts the fields back to their initial values after a success.
func (f *Form) reset(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = f.initial.Clone()
	f.fieldErrors = nil
	f.token = token
}

// fail attaches field errors, leaving fields without an error untouched, and
// swaps in the next token.
func (f *Form) fail(errs httpclient.FieldErrors, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(errs) > 0 && f.fieldErrors == nil {
		f.fieldErrors = make(map[string]string, len(errs))
	}
	for field, msg := range errs {
		f.fieldErrors[field] = msg
	}
	f.token = token
}
