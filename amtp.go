// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

// Package amtp provides Go types for the Agent Message Transfer Protocol
// (AMTP). It defines the message envelope exchanged between agents, the
// agent address format, the schema registry that gates message payloads,
// and the error taxonomy shared by the whole SDK.
//
// The delivery and dispatch engine that moves messages through an AMTP
// gateway lives in the client subpackage.
package amtp

import (
	"github.com/google/uuid"
)

// Version is the AMTP protocol version spoken by this SDK.
const Version = "1.0"

// idempotencyNamespace is the UUIDv5 namespace used to derive an
// idempotency key from a message ID when the caller does not supply one.
// Deriving rather than generating keeps the key stable across re-sends of
// the same logical message.
var idempotencyNamespace = uuid.MustParse("b1a4e0f2-7c3d-4a5b-9e8f-2d6c1b0a9f3e")

// GenerateMessageID returns a new globally unique message ID.
func GenerateMessageID() string {
	return uuid.NewString()
}

// DeriveIdempotencyKey derives the deterministic idempotency key for a
// message ID. The same ID always yields the same key.
func DeriveIdempotencyKey(messageID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(messageID)).String()
}
