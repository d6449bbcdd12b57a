// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	amtp "github.com/amtp-protocol/amtp-go"
)

// JournalEntry is one persisted outbound delivery. The envelope is the
// wire-encoded message so a restarted client can resume the send exactly
// as it was queued.
type JournalEntry struct {
	MessageID      string `gorm:"primaryKey;size:64"`
	IdempotencyKey string `gorm:"uniqueIndex;size:64"`
	State          string `gorm:"index;size:16"`
	Attempts       int
	LastError      string
	Envelope       []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName returns the GORM table name for delivery journal entries.
func (JournalEntry) TableName() string {
	return "amtp_deliveries"
}

// newJournalEntry builds a journal entry from a delivery record snapshot.
func newJournalEntry(msg *amtp.Message, state DeliveryState, attempts int, lastErr error) (*JournalEntry, error) {
	envelope, err := amtp.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	entry := &JournalEntry{
		MessageID:      msg.ID,
		IdempotencyKey: msg.IdempotencyKey,
		State:          string(state),
		Attempts:       attempts,
		Envelope:       envelope,
	}
	if lastErr != nil {
		entry.LastError = lastErr.Error()
	}
	return entry, nil
}

// Message decodes the stored envelope.
func (e *JournalEntry) Message() (*amtp.Message, error) {
	return amtp.DecodeMessage(e.Envelope)
}

// Journal persists outbound delivery state across client restarts.
// Implementations must be safe for concurrent use.
type Journal interface {
	// Initialize prepares backing storage.
	Initialize(ctx context.Context) error

	// Save inserts or updates an entry keyed by message ID.
	Save(ctx context.Context, entry *JournalEntry) error

	// Get returns the entry for a message ID, or nil when absent.
	Get(ctx context.Context, messageID string) (*JournalEntry, error)

	// Pending returns entries whose delivery has not reached a terminal
	// success, for recovery re-enqueueing at startup.
	Pending(ctx context.Context) ([]*JournalEntry, error)

	// Delete removes an entry. Deleting an absent entry is not an error.
	Delete(ctx context.Context, messageID string) error

	// Close releases journal resources.
	Close() error
}

// MemoryJournal is an in-memory Journal. It gives idempotency continuity
// within a process but no durability across restarts.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]*JournalEntry
}

var _ Journal = (*MemoryJournal)(nil)

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		entries: make(map[string]*JournalEntry),
	}
}

// Initialize implements Journal.
func (j *MemoryJournal) Initialize(ctx context.Context) error {
	return nil
}

// Save implements Journal.
func (j *MemoryJournal) Save(ctx context.Context, entry *JournalEntry) error {
	if entry == nil || entry.MessageID == "" {
		return fmt.Errorf("journal entry must have a message ID")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	stored := *entry
	now := time.Now()
	if existing, ok := j.entries[entry.MessageID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	j.entries[entry.MessageID] = &stored

	return nil
}

// Get implements Journal.
func (j *MemoryJournal) Get(ctx context.Context, messageID string) (*JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entry, ok := j.entries[messageID]
	if !ok {
		return nil, nil
	}
	found := *entry
	return &found, nil
}

// Pending implements Journal.
func (j *MemoryJournal) Pending(ctx context.Context) ([]*JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var pending []*JournalEntry
	for _, entry := range j.entries {
		if DeliveryState(entry.State).terminal() {
			continue
		}
		found := *entry
		pending = append(pending, &found)
	}
	return pending, nil
}

// Delete implements Journal.
func (j *MemoryJournal) Delete(ctx context.Context, messageID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.entries, messageID)
	return nil
}

// Close implements Journal.
func (j *MemoryJournal) Close() error {
	return nil
}

// DatabaseJournal is a Journal backed by a GORM database connection, for
// clients that must survive process restarts without losing queued sends.
type DatabaseJournal struct {
	db          *gorm.DB
	createTable bool
}

var _ Journal = (*DatabaseJournal)(nil)

// DatabaseJournalConfig holds configuration for DatabaseJournal.
type DatabaseJournalConfig struct {
	DB          *gorm.DB
	CreateTable bool // Whether to create the table if it doesn't exist
}

// NewDatabaseJournal creates a new DatabaseJournal.
func NewDatabaseJournal(config DatabaseJournalConfig) (*DatabaseJournal, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	return &DatabaseJournal{
		db:          config.DB,
		createTable: config.CreateTable,
	}, nil
}

// Initialize implements Journal.
func (j *DatabaseJournal) Initialize(ctx context.Context) error {
	if !j.createTable {
		return nil
	}
	if err := j.db.WithContext(ctx).AutoMigrate(&JournalEntry{}); err != nil {
		return fmt.Errorf("failed to migrate journal table: %w", err)
	}
	return nil
}

// Save implements Journal.
func (j *DatabaseJournal) Save(ctx context.Context, entry *JournalEntry) error {
	if entry == nil || entry.MessageID == "" {
		return fmt.Errorf("journal entry must have a message ID")
	}
	if err := j.db.WithContext(ctx).Save(entry).Error; err != nil {
		return fmt.Errorf("failed to save journal entry %s: %w", entry.MessageID, err)
	}
	return nil
}

// Get implements Journal.
func (j *DatabaseJournal) Get(ctx context.Context, messageID string) (*JournalEntry, error) {
	var entry JournalEntry
	err := j.db.WithContext(ctx).Where("message_id = ?", messageID).First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load journal entry %s: %w", messageID, err)
	}
	return &entry, nil
}

// Pending implements Journal.
func (j *DatabaseJournal) Pending(ctx context.Context) ([]*JournalEntry, error) {
	var entries []*JournalEntry
	err := j.db.WithContext(ctx).
		Where("state NOT IN ?", []string{string(StateDelivered), string(StateFailed)}).
		Order("created_at").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending journal entries: %w", err)
	}
	return entries, nil
}

// Delete implements Journal.
func (j *DatabaseJournal) Delete(ctx context.Context, messageID string) error {
	if err := j.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&JournalEntry{}).Error; err != nil {
		return fmt.Errorf("failed to delete journal entry %s: %w", messageID, err)
	}
	return nil
}

// Close implements Journal.
func (j *DatabaseJournal) Close() error {
	return nil
}
