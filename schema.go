// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package amtp

import (
	"fmt"
	"regexp"

	"github.com/go-json-experiment/json"
)

// schemaIDPattern matches namespaced schema IDs of the form
// namespace:category.subcategory.vN, e.g. "agntcy:commerce.order.v1".
var schemaIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+:[a-zA-Z0-9_.-]+\.v\d+$`)

// Schema is a structural contract a message payload must satisfy,
// identified by a namespaced ID. The definition is a JSON-Schema-like
// structural description supporting type, required, properties and items.
type Schema struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Definition  map[string]any `json:"schema"`
	Description string         `json:"description,omitzero"`
}

// Validate checks that the schema itself is well formed.
func (s *Schema) Validate() error {
	if s.ID == "" {
		return ValidationError("schema id cannot be empty", nil)
	}
	if !schemaIDPattern.MatchString(s.ID) {
		return ValidationError("malformed schema id, want namespace:category.subcategory.vN", map[string]any{"schema_id": s.ID})
	}
	if s.Name == "" {
		return ValidationError("schema name cannot be empty", map[string]any{"schema_id": s.ID})
	}
	if s.Definition == nil {
		return ValidationError("schema definition cannot be empty", map[string]any{"schema_id": s.ID})
	}
	if _, ok := s.Definition["type"]; !ok {
		return ValidationError("schema definition must declare a type", map[string]any{"schema_id": s.ID})
	}
	return nil
}

// ValidatePayload validates a payload tree against the schema definition.
// All violations are collected and returned together in the error details
// under "violations".
func (s *Schema) ValidatePayload(payload any) error {
	var violations []string
	validateValue("$", payload, s.Definition, &violations)
	if len(violations) > 0 {
		return &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("payload does not conform to schema %s", s.ID),
			Details: map[string]any{
				"schema_id":  s.ID,
				"violations": violations,
			},
		}
	}
	return nil
}

// validateValue walks value against def, appending one violation per
// mismatch. path is the JSONPath-style location used in violation text.
func validateValue(path string, value any, def map[string]any, violations *[]string) {
	want, _ := def["type"].(string)
	if want == "" {
		return
	}
	if !isKind(value, want) {
		*violations = append(*violations, fmt.Sprintf("%s: expected %s, got %s", path, want, payloadKind(value)))
		return
	}

	switch want {
	case "object":
		obj := value.(map[string]any)
		if required, ok := def["required"].([]any); ok {
			for _, raw := range required {
				name, ok := raw.(string)
				if !ok {
					continue
				}
				if _, present := obj[name]; !present {
					*violations = append(*violations, fmt.Sprintf("%s: missing required property %q", path, name))
				}
			}
		}
		if props, ok := def["properties"].(map[string]any); ok {
			for name, rawDef := range props {
				propDef, ok := rawDef.(map[string]any)
				if !ok {
					continue
				}
				if propValue, present := obj[name]; present {
					validateValue(path+"."+name, propValue, propDef, violations)
				}
			}
		}
	case "array":
		items, ok := def["items"].(map[string]any)
		if !ok {
			return
		}
		for i, item := range value.([]any) {
			validateValue(fmt.Sprintf("%s[%d]", path, i), item, items, violations)
		}
	}
}

// EncodeSchema encodes s to its JSON form.
func EncodeSchema(s *Schema) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, ValidationError("schema cannot be encoded", map[string]any{"schema_id": s.ID})
	}
	return data, nil
}

// DecodeSchema decodes a schema from its JSON form.
func DecodeSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, ValidationError("malformed schema document", map[string]any{"cause": err.Error()})
	}
	return &s, nil
}
