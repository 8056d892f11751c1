package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EncodingError reports a value that has no canonical encoding.
type EncodingError struct {
	Path   string // JSONPath-style location of the offending value
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canonical encoding at %s: %s", e.Path, e.Reason)
}

// Encode returns the canonical bytes for v.
//
// []byte, json.RawMessage and string arguments are treated as already
// serialized and returned unchanged. Values are encoded with sorted object
// keys and no insignificant whitespace. Any other Go value is converted with
// FromAny first.
func Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case json.RawMessage:
		return []byte(t), nil
	case string:
		return []byte(t), nil
	case Value:
		return encodeValue(t)
	}
	val, err := FromAny(v)
	if err != nil {
		return nil, err
	}
	return encodeValue(val)
}

// EncodeValue returns the canonical bytes for a Value. Unlike Encode, a
// String is always quoted.
func EncodeValue(v Value) ([]byte, error) {
	return encodeValue(v)
}

func encodeValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v Value, path string) error {
	switch t := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(t.String())
	case String:
		return writeString(buf, string(t), path)
	case Array:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k, path); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, t[k], path+"."+k); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
	return nil
}

// CheckStorable rejects NUL in strings and object keys, which PostgreSQL
// jsonb cannot store.
func CheckStorable(v Value) error {
	return checkStorable(v, "$")
}

func checkStorable(v Value, path string) error {
	switch t := v.(type) {
	case String:
		if strings.IndexByte(string(t), 0) >= 0 {
			return &EncodingError{Path: path, Reason: "string contains a NUL character"}
		}
	case Array:
		for i, elem := range t {
			if err := checkStorable(elem, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case Object:
		for k, elem := range t {
			if strings.IndexByte(k, 0) >= 0 {
				return &EncodingError{Path: path, Reason: "object key contains a NUL character"}
			}
			if err := checkStorable(elem, path+"."+k); err != nil {
				return err
			}
		}
	}
	return nil
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s, path string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Path: path, Reason: "string is not valid UTF-8"}
	}
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
				continue
			}
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
	return nil
}
