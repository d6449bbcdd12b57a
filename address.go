// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package amtp

import (
	"strings"
)

// Address identifies an agent as local@domain, the AMTP analogue of an
// email address. The domain part is case-normalized to lower case when
// parsed. An Address is immutable once constructed; the zero value is not
// a valid address.
type Address struct {
	local  string
	domain string
}

// ParseAddress parses s as an AMTP address. The string must contain
// exactly one '@' separating a non-empty local part from a syntactically
// valid hostname.
func ParseAddress(s string) (Address, error) {
	local, domain, ok := strings.Cut(s, "@")
	if !ok {
		return Address{}, ValidationError("address must contain '@'", map[string]any{"address": s})
	}
	if local == "" {
		return Address{}, ValidationError("address local part cannot be empty", map[string]any{"address": s})
	}
	if strings.Contains(domain, "@") {
		return Address{}, ValidationError("address must contain exactly one '@'", map[string]any{"address": s})
	}
	domain = strings.ToLower(domain)
	if err := validateHostname(domain); err != nil {
		return Address{}, err
	}
	return Address{local: local, domain: domain}, nil
}

// MustParseAddress is like ParseAddress but panics on invalid input.
// It is intended for tests and package-level declarations.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Local returns the local (agent) part of the address.
func (a Address) Local() string { return a.local }

// Domain returns the case-normalized domain part of the address.
func (a Address) Domain() string { return a.domain }

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool { return a.local == "" && a.domain == "" }

// String returns the canonical local@domain form.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.local + "@" + a.domain
}

// MarshalText implements encoding.TextMarshaler so an Address serializes
// as its canonical string form in JSON envelopes.
func (a Address) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return nil, ValidationError("cannot encode zero address", nil)
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// validateHostname checks domain against the usual hostname syntax rules:
// dot-separated labels of letters, digits and hyphens, each 1-63 bytes,
// no leading or trailing hyphen, 253 bytes total.
func validateHostname(domain string) error {
	if domain == "" {
		return ValidationError("address domain cannot be empty", nil)
	}
	if len(domain) > 253 {
		return ValidationError("address domain exceeds 253 bytes", map[string]any{"domain": domain})
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" {
			return ValidationError("address domain has an empty label", map[string]any{"domain": domain})
		}
		if len(label) > 63 {
			return ValidationError("address domain label exceeds 63 bytes", map[string]any{"domain": domain})
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return ValidationError("address domain label cannot start or end with '-'", map[string]any{"domain": domain})
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z':
			case c >= '0' && c <= '9':
			case c == '-':
			default:
				return ValidationError("address domain contains an invalid character", map[string]any{"domain": domain})
			}
		}
	}
	return nil
}
