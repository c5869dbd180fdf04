package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// DecodeError means the payload is not a UTF-8 JSON object.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses data as exactly one JSON object. Integral numbers become
// int64 and the rest float64, so stored documents keep integer types.
func Decode(data []byte) (map[string]interface{}, error) {
	if !utf8.Valid(data) {
		return nil, &DecodeError{Reason: "payload is not valid UTF-8"}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodeError{Reason: "payload is not valid JSON", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &DecodeError{Reason: "payload is not valid JSON", Err: fmt.Errorf("extra data after JSON value")}
	}

	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("payload is a JSON %s, not an object", kindOf(v))}
	}

	return normalize(obj).(map[string]interface{}), nil
}

func kindOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		// out of float64 range; keep the literal
		return val.String()
	default:
		return val
	}
}
