package utils

import (
	"bytes"
	"encoding/json"
)

// MustMarshalJSON marshals v into a json byte array.
// It panics if marshaling fails, so only use it for values built in code.
func MustMarshalJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("failed to marshal JSON: " + err.Error())
	}
	return data
}

// CompactJSON strips insignificant whitespace from an upstream payload.
// Invalid JSON yields nil so it is never persisted.
func CompactJSON(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil
	}
	return buf.Bytes()
}
