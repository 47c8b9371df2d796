package httpclient

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

// Response is a successful (2xx) reply with its body fully read.
type Response struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
	Attempts    int
}

// IsJSON reports whether the server labelled the body as JSON.
func (r *Response) IsJSON() bool {
	if r == nil {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	if !r.IsJSON() {
		return fmt.Errorf("httpclient: response is %q, not json", r.ContentType)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("httpclient: decode response: %w", err)
	}
	return nil
}

// Text returns the raw body.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}
