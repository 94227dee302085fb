package acquisition

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// ValueKind identifies the representation held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindNumber
	KindText
	KindBool
)

// Value is a tag reading: a number, a string, a bit, or null when the
// driver could not read the address.
type Value struct {
	kind ValueKind
	num  float64
	text string
	bit  bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// Number wraps a numeric reading.
func Number(v float64) Value { return Value{kind: KindNumber, num: v} }

// Text wraps a string reading.
func Text(v string) Value { return Value{kind: KindText, text: v} }

// Bool wraps a bit reading.
func Bool(v bool) Value { return Value{kind: KindBool, bit: v} }

// ValueOf converts a decoded JSON/YAML scalar into a Value.
func ValueOf(v any) Value {
	switch typed := v.(type) {
	case nil:
		return Null()
	case Value:
		return typed
	case float64:
		return Number(typed)
	case float32:
		return Number(float64(typed))
	case int:
		return Number(float64(typed))
	case int64:
		return Number(float64(typed))
	case int32:
		return Number(float64(typed))
	case uint16:
		return Number(float64(typed))
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return Text(typed.String())
		}
		return Number(f)
	case string:
		return Text(typed)
	case bool:
		return Bool(typed)
	default:
		return Null()
	}
}

// Kind reports the representation.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the reading is missing.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Float returns the numeric reading.
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// Str returns the string reading.
func (v Value) Str() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.text, true
}

// Bit returns the boolean reading.
func (v Value) Bit() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.bit, true
}

// Equal is strict equality: kinds must match as well as contents.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == other.num
	case KindText:
		return v.text == other.text
	case KindBool:
		return v.bit == other.bit
	default:
		return true
	}
}

// Any returns the plain Go value.
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindText:
		return v.text
	case KindBool:
		return v.bit
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindText:
		return v.text
	case KindBool:
		return strconv.FormatBool(v.bit)
	default:
		return "null"
	}
}

// MarshalJSON encodes the value as a JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes a JSON scalar.
func (v *Value) UnmarshalJSON(data []byte) error {
	if v == nil {
		return errors.New("acquisition: nil value")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch raw.(type) {
	case nil, json.Number, string, bool:
		*v = ValueOf(raw)
		return nil
	default:
		return errors.New("acquisition: value must be a scalar")
	}
}
