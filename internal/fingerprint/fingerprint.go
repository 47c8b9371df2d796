// Package fingerprint derives short, order-independent identifiers for form
// submissions. A fingerprint is not a security primitive; it only needs to make
// a double click on the same form collide with itself.
package fingerprint

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// DefaultFields is the allow-list of fields that identify a submission attempt.
// It is the union of the appointment and registration forms.
var DefaultFields = []string{
	"email",
	"organization_name",
	"contact_email",
	"title",
	"start_date",
	"start_time",
}

// Fingerprint is the base-36 encoding of a 32-bit rolling hash.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Generator computes fingerprints over a fixed field allow-list.
type Generator struct {
	fields []string
}

// NewGenerator builds a generator for the given fields. With no fields it uses
// DefaultFields. Duplicates and blanks are dropped.
func NewGenerator(fields ...string) *Generator {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	seen := make(map[string]struct{}, len(fields))
	sorted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		sorted = append(sorted, f)
	}
	sort.Strings(sorted)
	return &Generator{fields: sorted}
}

// Fields returns the sorted allow-list.
func (g *Generator) Fields() []string {
	out := make([]string, len(g.fields))
	copy(out, g.fields)
	return out
}

// Generate returns the fingerprint for data. Missing fields and false
// booleans count as the empty string.
func (g *Generator) Generate(data FormData) Fingerprint {
	return Fingerprint(strconv.FormatInt(int64(rollingHash(g.Canonical(data))), 36))
}

// Canonical renders the selected fields as compact JSON with sorted keys.
func (g *Generator) Canonical(data FormData) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, field := range g.fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quote(field))
		b.WriteByte(':')
		v, ok := data[field]
		switch {
		case !ok:
			b.WriteString(`""`)
		case v.IsBool() && v.Bool():
			b.WriteString("true")
		case v.IsBool():
			b.WriteString(`""`)
		default:
			b.WriteString(quote(v.String()))
		}
	}
	b.WriteByte('}')
	return b.String()
}

// rollingHash is hash*31 + unit over UTF-16 code units with int32 wraparound.
// A byte that is not valid UTF-8 hashes as the lone surrogate 0xDC00|b, a unit
// no valid string produces, so distinct invalid inputs stay distinct.
func rollingHash(s string) int32 {
	var hash int32
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			hash = hash*31 + int32(0xDC00|uint16(s[i]))
		case r >= 0x10000:
			hi, lo := utf16.EncodeRune(r)
			hash = hash*31 + hi
			hash = hash*31 + lo
		default:
			hash = hash*31 + r
		}
		i += size
	}
	return hash
}

// quote escapes s the way browser JSON serializers do: only quotes,
// backslashes and control characters, no HTML or line-separator escaping.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				b.WriteByte(s[i])
				continue
			}
		}
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
