// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package amtp

import (
	"math"
)

// ClonePayload returns a deep copy of a payload tree. The delivery engine
// clones payloads it retains so later mutation by the caller cannot race
// with an in-flight transmission.
func ClonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return cloneValue(payload).(map[string]any)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// payloadKind classifies a decoded payload value using JSON type names.
// Numeric values that carry no fractional part classify as both "integer"
// and "number"; isKind handles that overlap.
func payloadKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32:
		return "number"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "unknown"
	}
}

// isKind reports whether value v satisfies the schema type name want.
func isKind(v any, want string) bool {
	got := payloadKind(v)
	if got == want {
		return true
	}
	// Integers are numbers, and JSON decoding yields float64 for whole
	// numbers, so accept fraction-free floats as integers.
	switch want {
	case "number":
		return got == "integer"
	case "integer":
		if f, ok := v.(float64); ok {
			return f == math.Trunc(f)
		}
		if f, ok := v.(float32); ok {
			return float64(f) == math.Trunc(float64(f))
		}
	}
	return false
}
