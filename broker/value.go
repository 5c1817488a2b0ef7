package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNullValue is returned by the typed decoders when the value is JSON
// null. Unmarshal would silently leave the target zero instead.
var ErrNullValue = errors.New("value is null")

// Value is a field value as it travels through the broker: the JSON encoding
// of the user's data. Strings are quoted, times are RFC 3339 strings, absent
// history slots are JSON null. The zero Value is null.
type Value struct {
	raw json.RawMessage
}

// Null is the JSON null value.
var Null = Value{raw: json.RawMessage("null")}

// EncodeValue encodes any JSON-serializable Go value.
func EncodeValue(v any) (Value, error) {
	if v == nil {
		return Null, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode value: %w", err)
	}
	return Value{raw: raw}, nil
}

// ParseValue validates raw JSON and wraps it. Returns an error on malformed
// input; the empty string parses as null.
func ParseValue(raw string) (Value, error) {
	if raw == "" {
		return Null, nil
	}
	if !json.Valid([]byte(raw)) {
		return Value{}, fmt.Errorf("malformed value %q", raw)
	}
	return Value{raw: json.RawMessage(raw)}, nil
}

// String returns the wire form, the JSON text.
func (v Value) String() string {
	if v.raw == nil {
		return "null"
	}
	return string(v.raw)
}

// Raw returns the JSON encoding.
func (v Value) Raw() json.RawMessage {
	if v.raw == nil {
		return json.RawMessage("null")
	}
	return v.raw
}

// IsNull reports whether the value is JSON null (or the zero Value).
func (v Value) IsNull() bool {
	return v.raw == nil || bytes.Equal(bytes.TrimSpace(v.raw), []byte("null"))
}

// Decode unmarshals the value into out.
func (v Value) Decode(out any) error {
	if err := json.Unmarshal(v.Raw(), out); err != nil {
		return fmt.Errorf("decode value %s: %w", v.String(), err)
	}
	return nil
}

// Float64 decodes a JSON number. Returns ErrNullValue on null.
func (v Value) Float64() (float64, error) {
	if v.IsNull() {
		return 0, ErrNullValue
	}
	var f float64
	err := v.Decode(&f)
	return f, err
}

// Int64 decodes a JSON number as an integer. Returns ErrNullValue on null.
func (v Value) Int64() (int64, error) {
	if v.IsNull() {
		return 0, ErrNullValue
	}
	var n int64
	err := v.Decode(&n)
	return n, err
}

// Text decodes a JSON string. Returns ErrNullValue on null.
func (v Value) Text() (string, error) {
	if v.IsNull() {
		return "", ErrNullValue
	}
	var s string
	err := v.Decode(&s)
	return s, err
}

// Bool decodes a JSON boolean. Returns ErrNullValue on null.
func (v Value) Bool() (bool, error) {
	if v.IsNull() {
		return false, ErrNullValue
	}
	var b bool
	err := v.Decode(&b)
	return b, err
}

// Time decodes an RFC 3339 JSON string. Returns ErrNullValue on null.
func (v Value) Time() (time.Time, error) {
	if v.IsNull() {
		return time.Time{}, ErrNullValue
	}
	var t time.Time
	err := v.Decode(&t)
	return t, err
}

// MarshalJSON embeds the value verbatim.
func (v Value) MarshalJSON() ([]byte, error) { return v.Raw(), nil }

// UnmarshalJSON wraps the raw JSON.
func (v *Value) UnmarshalJSON(raw []byte) error {
	v.raw = append(json.RawMessage(nil), raw...)
	return nil
}
