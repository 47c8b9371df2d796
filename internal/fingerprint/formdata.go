package fingerprint

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Value is a single form field: either text or a checkbox-style boolean.
type Value struct {
	text   string
	flag   bool
	isBool bool
}

// String wraps a text value.
func String(s string) Value { return Value{text: s} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{flag: b, isBool: true} }

// IsBool reports whether the value is a boolean.
func (v Value) IsBool() bool { return v.isBool }

// Bool returns the boolean value, false for text values.
func (v Value) Bool() bool { return v.isBool && v.flag }

// String renders the value as form text.
func (v Value) String() string {
	if v.isBool {
		return strconv.FormatBool(v.flag)
	}
	return v.text
}

// MarshalJSON encodes booleans as JSON booleans and everything else as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.isBool {
		return json.Marshal(v.flag)
	}
	return json.Marshal(v.text)
}

// UnmarshalJSON accepts a JSON boolean or string.
func (v *Value) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = Bool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = String(s)
	return nil
}

// FormData maps field names to values.
type FormData map[string]Value

// FromStrings converts raw form text into FormData, turning the literals
// "true" and "false" into booleans the way checkbox inputs are submitted.
func FromStrings(raw map[string]string) FormData {
	out := make(FormData, len(raw))
	for k, v := range raw {
		switch v {
		case "true":
			out[k] = Bool(true)
		case "false":
			out[k] = Bool(false)
		default:
			out[k] = String(v)
		}
	}
	return out
}

// Get returns the text of a field, "" when missing.
func (d FormData) Get(key string) string {
	v, ok := d[key]
	if !ok {
		return ""
	}
	return v.String()
}

// Set stores a text value.
func (d FormData) Set(key, value string) { d[key] = String(value) }

// Clone returns a shallow copy.
func (d FormData) Clone() FormData {
	out := make(FormData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (d FormData) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
