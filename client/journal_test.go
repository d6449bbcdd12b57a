// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"context"
	"testing"

	amtp "github.com/amtp-protocol/amtp-go"
	"github.com/amtp-protocol/amtp-go/client"
)

func journalEntryFor(t *testing.T, msg *amtp.Message, state client.DeliveryState) *client.JournalEntry {
	t.Helper()
	envelope, err := amtp.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	return &client.JournalEntry{
		MessageID:      msg.ID,
		IdempotencyKey: msg.IdempotencyKey,
		State:          string(state),
		Envelope:       envelope,
	}
}

func TestMemoryJournal(t *testing.T) {
	j := client.NewMemoryJournal()
	ctx := t.Context()
	if err := j.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	pending := amtp.NewMessage(
		amtp.MustParseAddress("a@example.com"),
		amtp.MustParseAddress("b@example.org"),
	)
	delivered := amtp.NewMessage(
		amtp.MustParseAddress("a@example.com"),
		amtp.MustParseAddress("c@example.org"),
	)

	if err := j.Save(ctx, journalEntryFor(t, pending, client.StatePending)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := j.Save(ctx, journalEntryFor(t, delivered, client.StateDelivered)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	t.Run("get returns stored entry", func(t *testing.T) {
		entry, err := j.Get(ctx, pending.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if entry == nil {
			t.Fatal("Get returned nil for stored entry")
		}
		decoded, err := entry.Message()
		if err != nil {
			t.Fatalf("Message: %v", err)
		}
		if decoded.ID != pending.ID {
			t.Errorf("decoded ID = %q, want %q", decoded.ID, pending.ID)
		}
	})

	t.Run("get returns nil for absent entry", func(t *testing.T) {
		entry, err := j.Get(ctx, "no-such-id")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if entry != nil {
			t.Errorf("Get = %+v, want nil", entry)
		}
	})

	t.Run("pending excludes terminal states", func(t *testing.T) {
		entries, err := j.Pending(ctx)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(entries) != 1 || entries[0].MessageID != pending.ID {
			t.Errorf("Pending = %+v, want only the pending entry", entries)
		}
	})

	t.Run("save preserves creation time on update", func(t *testing.T) {
		before, err := j.Get(ctx, pending.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		updated := journalEntryFor(t, pending, client.StateSending)
		updated.Attempts = 2
		if err := j.Save(ctx, updated); err != nil {
			t.Fatalf("Save: %v", err)
		}
		after, err := j.Get(ctx, pending.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !after.CreatedAt.Equal(before.CreatedAt) {
			t.Errorf("CreatedAt changed on update: %v -> %v", before.CreatedAt, after.CreatedAt)
		}
		if after.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", after.Attempts)
		}
	})

	t.Run("delete removes entry", func(t *testing.T) {
		if err := j.Delete(ctx, pending.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		entry, err := j.Get(ctx, pending.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if entry != nil {
			t.Error("entry survived Delete")
		}
		// Deleting an absent entry is not an error.
		if err := j.Delete(ctx, pending.ID); err != nil {
			t.Errorf("second Delete: %v", err)
		}
	})
}

func TestClient_JournalRecovery(t *testing.T) {
	journal := client.NewMemoryJournal()
	ctx := t.Context()

	// A previous run crashed with this delivery still pending.
	orphan := amtp.NewMessage(
		amtp.MustParseAddress("local@example.com"),
		amtp.MustParseAddress("peer@example.org"),
	)
	if err := journal.Save(ctx, journalEntryFor(t, orphan, client.StatePending)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	gw := &stubGateway{}
	newTestClient(t, gw, client.WithJournal(journal))

	waitFor(t, "recovered delivery", func() bool { return gw.submitCount() == 1 })
	gw.mu.Lock()
	recovered := gw.submits[0]
	gw.mu.Unlock()
	if recovered.ID != orphan.ID {
		t.Errorf("recovered ID = %q, want %q", recovered.ID, orphan.ID)
	}

	// Successful delivery clears the journal.
	waitFor(t, "journal cleanup", func() bool {
		entry, err := journal.Get(ctx, orphan.ID)
		return err == nil && entry == nil
	})
}

func TestClient_JournalRecordsFailure(t *testing.T) {
	journal := client.NewMemoryJournal()
	gw := &stubGateway{}
	gw.submitFunc = func(ctx context.Context, msg *amtp.Message) (string, error) {
		return "", amtp.PermanentTransportError("recipient unknown", nil)
	}
	c := newTestClient(t, gw, client.WithJournal(journal))

	msg := amtp.NewMessage(c.Address(), amtp.MustParseAddress("peer@example.org"))
	_, done, err := c.SendResult(t.Context(), msg)
	if err != nil {
		t.Fatalf("SendResult: %v", err)
	}
	if waitResult(t, done) == nil {
		t.Fatal("expected delivery failure")
	}

	entry, err := journal.Get(t.Context(), msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry == nil {
		t.Fatal("failed delivery must remain journaled")
	}
	if entry.State != string(client.StateFailed) {
		t.Errorf("State = %q, want failed", entry.State)
	}
	if entry.LastError == "" {
		t.Error("LastError not recorded")
	}
}
