// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package amtp_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	amtp "github.com/amtp-protocol/amtp-go"
)

func TestSchemaRegistry_Register(t *testing.T) {
	t.Run("registers and retrieves", func(t *testing.T) {
		r := amtp.NewSchemaRegistry()
		s := orderSchema()

		if err := r.Register(s); err != nil {
			t.Fatalf("Register: %v", err)
		}
		got, err := r.Get(s.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := cmp.Diff(s, got); diff != "" {
			t.Errorf("schema mismatch (-want +got):\n%s", diff)
		}
		if r.Len() != 1 {
			t.Errorf("Len = %d, want 1", r.Len())
		}
	})

	t.Run("re-register identical definition is a no-op", func(t *testing.T) {
		r := amtp.NewSchemaRegistry()
		if err := r.Register(orderSchema()); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := r.Register(orderSchema()); err != nil {
			t.Fatalf("identical re-register must succeed: %v", err)
		}
		if r.Len() != 1 {
			t.Errorf("Len = %d, want 1", r.Len())
		}
	})

	t.Run("conflicting definition is rejected", func(t *testing.T) {
		r := amtp.NewSchemaRegistry()
		if err := r.Register(orderSchema()); err != nil {
			t.Fatalf("Register: %v", err)
		}

		changed := orderSchema()
		changed.Definition["required"] = []any{"order_id"}
		err := r.Register(changed)
		if err == nil {
			t.Fatal("expected conflict error, got nil")
		}
		if !amtp.IsSchemaConflict(err) {
			t.Errorf("expected schema conflict error, got %v", err)
		}
	})

	t.Run("invalid schema is rejected", func(t *testing.T) {
		r := amtp.NewSchemaRegistry()
		bad := orderSchema()
		bad.ID = "not-a-schema-id"
		if err := r.Register(bad); !amtp.IsValidation(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("stored schema is isolated from caller mutation", func(t *testing.T) {
		r := amtp.NewSchemaRegistry()
		s := orderSchema()
		if err := r.Register(s); err != nil {
			t.Fatalf("Register: %v", err)
		}

		s.Name = "mutated"
		s.Definition["type"] = "array"
		got, err := r.Get(s.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Name == "mutated" {
			t.Error("registry must store a copy, not the caller's pointer")
		}
		if got.Definition["type"] != "object" {
			t.Error("registry must deep-copy the definition")
		}
	})
}

func TestSchemaRegistry_Get_Missing(t *testing.T) {
	r := amtp.NewSchemaRegistry()
	_, err := r.Get("agntcy:commerce.order.v9")
	if !amtp.IsSchemaNotFound(err) {
		t.Errorf("expected schema not found error, got %v", err)
	}
}

func TestSchemaRegistry_Get_ReturnsCopy(t *testing.T) {
	r := amtp.NewSchemaRegistry()
	s := orderSchema()
	if err := r.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	first, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	first.Name = "mutated"
	first.Definition["type"] = "array"

	second, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.Name == "mutated" {
		t.Error("Get must return a copy, not the stored pointer")
	}
	if second.Definition["type"] != "object" {
		t.Error("Get must deep-copy the definition")
	}
}

func TestSchemaRegistry_Validate(t *testing.T) {
	r := amtp.NewSchemaRegistry()
	if err := r.Register(orderSchema()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok := map[string]any{"order_id": "ord-1", "items": []any{}}
	if err := r.Validate("agntcy:commerce.order.v1", ok); err != nil {
		t.Errorf("conforming payload rejected: %v", err)
	}

	bad := map[string]any{"items": []any{}}
	if err := r.Validate("agntcy:commerce.order.v1", bad); !amtp.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	if err := r.Validate("agntcy:unknown.thing.v1", ok); !amtp.IsSchemaNotFound(err) {
		t.Errorf("expected schema not found error, got %v", err)
	}
}

func TestSchemaRegistry_List(t *testing.T) {
	r := amtp.NewSchemaRegistry()

	first := orderSchema()
	second := orderSchema()
	second.ID = "agntcy:commerce.invoice.v1"
	second.Name = "Invoice"
	if err := r.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(second); err != nil {
		t.Fatalf("Register: %v", err)
	}

	want := []string{"agntcy:commerce.invoice.v1", "agntcy:commerce.order.v1"}
	if diff := cmp.Diff(want, r.List()); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}
