// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package amtp_test

import (
	"strings"
	"testing"

	amtp "github.com/amtp-protocol/amtp-go"
)

func TestParseAddress(t *testing.T) {
	tests := map[string]struct {
		input      string
		wantLocal  string
		wantDomain string
		wantErr    bool
	}{
		"success: simple address": {
			input:      "agent@example.com",
			wantLocal:  "agent",
			wantDomain: "example.com",
		},
		"success: domain is lowercased": {
			input:      "agent@Example.COM",
			wantLocal:  "agent",
			wantDomain: "example.com",
		},
		"success: local part keeps case": {
			input:      "Billing-Agent@example.com",
			wantLocal:  "Billing-Agent",
			wantDomain: "example.com",
		},
		"success: subdomain": {
			input:      "sales@agents.corp.example.com",
			wantLocal:  "sales",
			wantDomain: "agents.corp.example.com",
		},
		"error: missing at sign": {
			input:   "agent.example.com",
			wantErr: true,
		},
		"error: empty local part": {
			input:   "@example.com",
			wantErr: true,
		},
		"error: empty domain": {
			input:   "agent@",
			wantErr: true,
		},
		"error: empty string": {
			input:   "",
			wantErr: true,
		},
		"error: domain label starts with hyphen": {
			input:   "agent@-example.com",
			wantErr: true,
		},
		"error: domain label ends with hyphen": {
			input:   "agent@example-.com",
			wantErr: true,
		},
		"error: domain label too long": {
			input:   "agent@" + strings.Repeat("a", 64) + ".com",
			wantErr: true,
		},
		"error: domain too long": {
			input:   "agent@" + strings.Repeat(strings.Repeat("a", 60)+".", 5) + "com",
			wantErr: true,
		},
		"error: second at sign": {
			input:   "agent@host@example.com",
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			addr, err := amtp.ParseAddress(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", addr)
				}
				if !amtp.IsValidation(err) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := addr.Local(); got != tc.wantLocal {
				t.Errorf("Local() = %q, want %q", got, tc.wantLocal)
			}
			if got := addr.Domain(); got != tc.wantDomain {
				t.Errorf("Domain() = %q, want %q", got, tc.wantDomain)
			}
			if got := addr.String(); got != tc.wantLocal+"@"+tc.wantDomain {
				t.Errorf("String() = %q", got)
			}
		})
	}
}

func TestAddress_TextRoundTrip(t *testing.T) {
	addr := amtp.MustParseAddress("agent@example.com")

	text, err := addr.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var parsed amtp.Address
	if err := parsed.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if parsed != addr {
		t.Errorf("round trip changed address: got %v, want %v", parsed, addr)
	}
}

func TestAddress_IsZero(t *testing.T) {
	var zero amtp.Address
	if !zero.IsZero() {
		t.Error("zero value should report IsZero")
	}
	if amtp.MustParseAddress("a@example.com").IsZero() {
		t.Error("parsed address should not report IsZero")
	}
}

func TestMustParseAddress_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on invalid address")
		}
	}()
	amtp.MustParseAddress("not-an-address")
}
