// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package amtp

import (
	"time"

	"github.com/go-json-experiment/json"
)

// CoordinationType tags a message with the multi-agent coordination
// semantics its recipients should apply.
type CoordinationType string

// Coordination types.
const (
	CoordinationNone       CoordinationType = ""
	CoordinationParallel   CoordinationType = "parallel"
	CoordinationSequential CoordinationType = "sequential"
	CoordinationReply      CoordinationType = "reply"
)

// valid reports whether c is a recognized coordination type.
func (c CoordinationType) valid() bool {
	switch c {
	case CoordinationNone, CoordinationParallel, CoordinationSequential, CoordinationReply:
		return true
	}
	return false
}

// Attachment is an opaque binary or URI-referenced attachment carried by a
// message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitzero"`
	Data        []byte `json:"data,omitzero"`
	URI         string `json:"uri,omitzero"`
}

// Message is the AMTP message envelope. ID, IdempotencyKey and Timestamp
// are assigned once by EnsureIdentity (or NewMessage) if absent; the
// remaining fields are set by the caller.
type Message struct {
	Version        string           `json:"version"`
	ID             string           `json:"message_id"`
	IdempotencyKey string           `json:"idempotency_key,omitzero"`
	Timestamp      time.Time        `json:"timestamp,omitzero"`
	Sender         Address          `json:"sender"`
	Recipients     []Address        `json:"recipients"`
	Subject        string           `json:"subject,omitzero"`
	Schema         string           `json:"schema,omitzero"`
	Coordination   CoordinationType `json:"coordination_type,omitzero"`
	Payload        map[string]any   `json:"payload,omitzero"`
	InReplyTo      string           `json:"in_reply_to,omitzero"`
	Headers        map[string]string `json:"headers,omitzero"`
	Attachments    []Attachment     `json:"attachments,omitzero"`
}

// NewMessage creates a message from sender to recipients with identity
// fields already assigned.
func NewMessage(sender Address, recipients ...Address) *Message {
	m := &Message{
		Version:    Version,
		Sender:     sender,
		Recipients: recipients,
	}
	m.EnsureIdentity()
	return m
}

// EnsureIdentity assigns ID, IdempotencyKey, Timestamp and Version if they
// are not already set. The idempotency key is derived deterministically
// from the message ID so repeated calls are stable.
func (m *Message) EnsureIdentity() {
	if m.Version == "" {
		m.Version = Version
	}
	if m.ID == "" {
		m.ID = GenerateMessageID()
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = DeriveIdempotencyKey(m.ID)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
}

// Validate checks the envelope invariants: sender set, at least one
// recipient, no duplicate recipients, recognized coordination type, and a
// well-formed schema ID when one is referenced. Schema conformance of the
// payload is checked separately against a SchemaRegistry.
func (m *Message) Validate() error {
	if m.Sender.IsZero() {
		return ValidationError("message must have a sender", nil)
	}
	if len(m.Recipients) == 0 {
		return ValidationError("message must have at least one recipient", nil)
	}
	seen := make(map[string]struct{}, len(m.Recipients))
	for _, r := range m.Recipients {
		if r.IsZero() {
			return ValidationError("message recipient cannot be empty", nil)
		}
		key := r.String()
		if _, dup := seen[key]; dup {
			return ValidationError("duplicate recipient", map[string]any{"recipient": key})
		}
		seen[key] = struct{}{}
	}
	if !m.Coordination.valid() {
		return ValidationError("unknown coordination type", map[string]any{"coordination_type": string(m.Coordination)})
	}
	if m.Schema != "" && !schemaIDPattern.MatchString(m.Schema) {
		return ValidationError("malformed schema id", map[string]any{"schema": m.Schema})
	}
	return nil
}

// Reply constructs a reply to m addressed to its sender. The reply carries
// the given payload, references m via in_reply_to, and is tagged with the
// reply coordination type. The sender is left for the sending client to
// fill in.
func (m *Message) Reply(payload map[string]any) *Message {
	subject := m.Subject
	if subject == "" {
		subject = "Message"
	}
	reply := &Message{
		Version:      Version,
		Recipients:   []Address{m.Sender},
		Subject:      "Re: " + subject,
		Payload:      payload,
		InReplyTo:    m.ID,
		Coordination: CoordinationReply,
	}
	reply.EnsureIdentity()
	return reply
}

// Size returns the encoded size of the message in bytes. It is used to
// enforce the gateway's maximum message size before submission.
func (m *Message) Size() (int, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return 0, ValidationError("message cannot be encoded", map[string]any{"message_id": m.ID})
	}
	return len(data), nil
}

// EncodeMessage encodes m to its JSON wire form.
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, ValidationError("message cannot be encoded", map[string]any{"message_id": m.ID})
	}
	return data, nil
}

// DecodeMessage decodes a message from its JSON wire form.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ValidationError("malformed message envelope", map[string]any{"cause": err.Error()})
	}
	return &m, nil
}
