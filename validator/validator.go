// Package validator enforces the required-field contract on decoded payloads.
package validator

import (
	"fmt"
	"sort"
	"strings"
)

// RequiredKeys is the wire contract every sensor reading must satisfy.
var RequiredKeys = []string{"device_id", "depth", "rain", "blockage", "status"}

// Validator turns a decoded payload into a Record or rejects it.
type Validator interface {
	Validate(payload map[string]interface{}) (Record, error)
}

// SchemaError reports a payload missing required keys.
type SchemaError struct {
	// Present lists the keys the payload did carry, sorted.
	Present []string
	// Missing lists the required keys that were absent.
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema mismatch: missing %s, received keys [%s]",
		strings.Join(e.Missing, ","), strings.Join(e.Present, ","))
}

// Record is a payload known to hold every required key. Only a Validator
// constructs one; the zero value is empty.
type Record struct {
	fields map[string]interface{}
}

// Get returns the value stored under key.
func (r Record) Get(key string) (interface{}, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r.fields)
}

// Fields returns a shallow copy of the record's fields.
func (r Record) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(r.fields)+1)
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// KeyValidator checks that a fixed set of keys is present. Values are not
// inspected: any JSON value, including null, satisfies presence.
type KeyValidator struct {
	Keys []string
}

// NewSchemaValidator returns a validator for RequiredKeys.
func NewSchemaValidator() *KeyValidator {
	return &KeyValidator{Keys: RequiredKeys}
}

// Validate checks key presence. Extra keys pass through unchanged.
func (kv *KeyValidator) Validate(payload map[string]interface{}) (Record, error) {
	var missing []string
	for _, key := range kv.Keys {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		present := make([]string, 0, len(payload))
		for k := range payload {
			present = append(present, k)
		}
		sort.Strings(present)
		return Record{}, &SchemaError{Present: present, Missing: missing}
	}

	fields := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		fields[k] = v
	}
	return Record{fields: fields}, nil
}
