package canonical

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a structured payload value. The set of implementations is closed:
// Null, Bool, Number, String, Array and Object.
type Value interface {
	isValue()
}

// Null is the JSON null value.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// String is a JSON string.
type String string

// Array is an ordered list of values.
type Array []Value

// Object is a string-keyed map of values. Key order never affects encoding.
type Object map[string]Value

// Number is a JSON number held in its normalized literal form.
type Number struct {
	lit string
}

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (String) isValue() {}
func (Array) isValue()  {}
func (Object) isValue() {}
func (Number) isValue() {}

// Int returns the Number for i.
func Int(i int64) Number {
	return Number{lit: strconv.FormatInt(i, 10)}
}

// Float returns the Number for f. NaN and infinities are not representable.
func Float(f float64) (Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Number{}, &EncodingError{Path: "$", Reason: fmt.Sprintf("non-finite number %v", f)}
	}
	return Number{lit: formatFloat(f)}, nil
}

// ParseNumber normalizes a JSON number literal such as "1.50" or "1e2".
func ParseNumber(lit string) (Number, error) {
	lit = strings.TrimSpace(lit)
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return Int(i), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return Number{}, &EncodingError{Path: "$", Reason: fmt.Sprintf("invalid number %q", lit)}
	}
	return Float(f)
}

// String returns the normalized literal.
func (n Number) String() string {
	if n.lit == "" {
		return "0"
	}
	return n.lit
}

// Float64 returns the number as a float64.
func (n Number) Float64() float64 {
	f, _ := strconv.ParseFloat(n.String(), 64)
	return f
}

// formatFloat prints integral values below 1e21 in plain decimal, matching
// what ParseNumber yields for the same integer literal, so 3, 3.0, 3e0 and
// 1e16 vs 10000000000000000 share one encoding. Everything else uses the
// shortest round-trip form.
func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// MarshalJSON encodes the object canonically.
func (o Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	return encodeValue(o)
}

// UnmarshalJSON decodes a JSON object, rejecting any other top-level kind.
func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	switch t := v.(type) {
	case Object:
		*o = t
	case Null:
		*o = nil
	default:
		return &EncodingError{Path: "$", Reason: "expected a JSON object"}
	}
	return nil
}

// MarshalJSON encodes the array canonically.
func (a Array) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return encodeValue(a)
}

// UnmarshalJSON decodes a JSON array.
func (a *Array) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	switch t := v.(type) {
	case Array:
		*a = t
	case Null:
		*a = nil
	default:
		return &EncodingError{Path: "$", Reason: "expected a JSON array"}
	}
	return nil
}

// MarshalJSON encodes the number literal.
func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

var _ json.Marshaler = Object(nil)
