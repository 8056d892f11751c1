package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
)

// FromAny converts a Go value into a Value.
//
// Scalars, maps with string keys, slices and json.Number are converted
// directly. Structs and other JSON-marshalable types go through encoding/json
// first. Channels, functions and complex numbers fail with *EncodingError.
func FromAny(v any) (Value, error) {
	return fromAny(v, "$")
}

func fromAny(v any, path string) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t)
	case float32:
		return floatAt(float64(t), path)
	case float64:
		return floatAt(t, path)
	case json.Number:
		n, err := ParseNumber(t.String())
		if err != nil {
			return nil, &EncodingError{Path: path, Reason: fmt.Sprintf("invalid number %q", t.String())}
		}
		return n, nil
	case map[string]any:
		obj := make(Object, len(t))
		for k, elem := range t {
			val, err := fromAny(elem, path+"."+k)
			if err != nil {
				return nil, err
			}
			obj[k] = val
		}
		return obj, nil
	case map[string]string:
		obj := make(Object, len(t))
		for k, elem := range t {
			obj[k] = String(elem)
		}
		return obj, nil
	case []any:
		arr := make(Array, len(t))
		for i, elem := range t {
			val, err := fromAny(elem, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			arr[i] = val
		}
		return arr, nil
	case []string:
		arr := make(Array, len(t))
		for i, elem := range t {
			arr[i] = String(elem)
		}
		return arr, nil
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodingError{Path: path, Reason: err.Error()}
	}
	return ParseJSON(raw)
}

func fromUint(u uint64) (Value, error) {
	if u <= math.MaxInt64 {
		return Int(int64(u)), nil
	}
	return ParseNumber(strconv.FormatUint(u, 10))
}

func floatAt(f float64, path string) (Value, error) {
	n, err := Float(f)
	if err != nil {
		var encErr *EncodingError
		if errors.As(err, &encErr) {
			encErr.Path = path
		}
		return nil, err
	}
	return n, nil
}

// ParseJSON decodes a single JSON document into a Value. Numbers keep their
// literal precision so reloaded payloads encode to the same bytes.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &EncodingError{Path: "$", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &EncodingError{Path: "$", Reason: "trailing data after JSON document"}
	}
	return fromAny(raw, "$")
}

// ObjectFromAny converts v into an Object. nil yields an empty Object.
func ObjectFromAny(v any) (Object, error) {
	if v == nil {
		return Object{}, nil
	}
	val, err := FromAny(v)
	if err != nil {
		return nil, err
	}
	switch t := val.(type) {
	case Object:
		return t, nil
	case Null:
		return Object{}, nil
	}
	return nil, &EncodingError{Path: "$", Reason: fmt.Sprintf("expected an object, got %T", val)}
}

// ParseObject decodes a JSON object, such as stored action details.
func ParseObject(data []byte) (Object, error) {
	val, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	return ObjectFromAny(val)
}
