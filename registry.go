// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package amtp

import (
	"reflect"
	"sort"
	"sync"
)

// SchemaRegistry stores schema definitions by ID and validates payloads
// against them. It is an explicit process-scoped instance passed to the
// client rather than ambient global state; all mutation goes through
// Register. Reads vastly outnumber writes, so access is guarded by an
// RWMutex.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*Schema)}
}

// Register adds a schema to the registry. Registration is an idempotent
// upsert: re-registering an identical schema is a no-op, while
// re-registering a conflicting definition under the same ID fails with a
// schema conflict error.
func (r *SchemaRegistry) Register(s *Schema) error {
	if s == nil {
		return ValidationError("schema cannot be nil", nil)
	}
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.schemas[s.ID]; ok {
		if reflect.DeepEqual(existing, s) {
			return nil
		}
		return SchemaConflictError(s.ID)
	}

	copied := *s
	copied.Definition = ClonePayload(s.Definition)
	r.schemas[s.ID] = &copied
	return nil
}

// Get returns the schema registered under id.
func (r *SchemaRegistry) Get(id string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[id]
	if !ok {
		return nil, SchemaNotFoundError(id)
	}
	copied := *s
	copied.Definition = ClonePayload(s.Definition)
	return &copied, nil
}

// Validate validates payload against the schema registered under id.
func (r *SchemaRegistry) Validate(id string, payload any) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.ValidatePayload(payload)
}

// List returns the registered schema IDs in sorted order.
func (r *SchemaRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered schemas.
func (r *SchemaRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}
