package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeObject(t *testing.T) {
	got, err := Decode([]byte(`{"device_id":"esp32-1","depth":12,"rain":0.5,"nested":{"n":[1,2.5,"x",null]},"big":1e400}`))
	require.NoError(t, err)

	assert.Equal(t, "esp32-1", got["device_id"])
	assert.Equal(t, int64(12), got["depth"])
	assert.Equal(t, 0.5, got["rain"])
	assert.Equal(t, map[string]interface{}{"n": []interface{}{int64(1), 2.5, "x", nil}}, got["nested"])
	assert.Equal(t, "1e400", got["big"])
}

func TestDecodeAllowsSurroundingWhitespace(t *testing.T) {
	got, err := Decode([]byte(" \n{\"a\":true}\r\n "))
	require.NoError(t, err)
	assert.Equal(t, true, got["a"])
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		input  []byte
		reason string
	}{
		{"plain text", []byte("not json"), "not valid JSON"},
		{"empty", []byte{}, "not valid JSON"},
		{"invalid utf8", []byte{'{', '"', 0xff, 0xfe, '"', ':', '1', '}'}, "not valid UTF-8"},
		{"truncated", []byte(`{"device_id":`), "not valid JSON"},
		{"trailing garbage", []byte(`{"a":1} x`), "not valid JSON"},
		{"two objects", []byte(`{"a":1}{"b":2}`), "not valid JSON"},
		{"array", []byte(`[{"device_id":"x"}]`), "JSON array"},
		{"string", []byte(`"hello"`), "JSON string"},
		{"number", []byte(`42`), "JSON number"},
		{"null", []byte(`null`), "JSON null"},
		{"boolean", []byte(`true`), "JSON boolean"},
		{"utf8 bom", []byte("\xef\xbb\xbf{}"), "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.input)
			require.Error(t, err)
			assert.Nil(t, got)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Contains(t, decodeErr.Error(), tt.reason)
		})
	}
}
