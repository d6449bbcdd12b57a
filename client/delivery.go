// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amtp "github.com/amtp-protocol/amtp-go"
)

// DeliveryState is the outbound state of a message.
type DeliveryState string

// Delivery states. A record moves Pending -> Sending -> Delivered or
// Failed; retries stay in Sending.
const (
	StatePending   DeliveryState = "pending"
	StateSending   DeliveryState = "sending"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// terminal reports whether s is a final delivery state.
func (s DeliveryState) terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// DeliveryRecord is a point-in-time snapshot of one outbound message's
// delivery bookkeeping.
type DeliveryRecord struct {
	MessageID      string
	IdempotencyKey string
	State          DeliveryState
	Attempts       int
	NextRetryAt    time.Time
	LastError      error
}

// deliveryRecord is the engine's internal mutable record. It is owned by
// the engine; all mutation happens under the engine mutex.
type deliveryRecord struct {
	msg         *amtp.Message
	state       DeliveryState
	attempts    int
	nextRetryAt time.Time
	lastErr     error
	terminalAt  time.Time

	done     chan error
	doneOnce sync.Once
}

func (r *deliveryRecord) finish(err error) {
	r.doneOnce.Do(func() {
		r.done <- err
		close(r.done)
	})
}

// deliveryEngine owns the outbound pipeline: it validates and enqueues
// messages, transmits them through the gateway with bounded exponential
// backoff, deduplicates locally by idempotency key, and reports terminal
// outcomes through per-message result channels and the error callback.
type deliveryEngine struct {
	gateway     Gateway
	registry    *amtp.SchemaRegistry
	journal     Journal
	logger      *slog.Logger
	notifyError func(error)

	maxRetries     int
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
	maxMessageSize int
	retention      time.Duration

	mu        sync.Mutex
	accepting bool
	inflight  int
	byKey     map[string]*deliveryRecord
	byID      map[string]string
	queue     chan *deliveryRecord
}

func newDeliveryEngine(o *options, gateway Gateway, notifyError func(error)) *deliveryEngine {
	return &deliveryEngine{
		gateway:        gateway,
		registry:       o.registry,
		journal:        o.journal,
		logger:         o.logger,
		notifyError:    notifyError,
		maxRetries:     o.maxRetries,
		retryDelay:     o.retryDelay,
		maxRetryDelay:  o.maxRetryDelay,
		maxMessageSize: o.maxMessageSize,
		retention:      o.retention,
		accepting:      true,
		byKey:          make(map[string]*deliveryRecord),
		byID:           make(map[string]string),
		queue:          make(chan *deliveryRecord, o.pendingLimit),
	}
}

// Enqueue validates msg, assigns its identity, records it as Pending and
// queues it for asynchronous transmission. It returns the assigned message
// ID and a channel that receives the terminal outcome (nil on delivery)
// exactly once.
//
// A message whose idempotency key matches a record that is still in flight
// or recently Delivered is not queued again; the existing record's ID and
// result channel are returned instead.
func (e *deliveryEngine) Enqueue(ctx context.Context, msg *amtp.Message) (string, <-chan error, error) {
	msg.EnsureIdentity()
	if err := msg.Validate(); err != nil {
		return "", nil, err
	}
	if msg.Schema != "" {
		if e.registry == nil {
			return "", nil, amtp.SchemaNotFoundError(msg.Schema)
		}
		if err := e.registry.Validate(msg.Schema, msg.Payload); err != nil {
			return "", nil, err
		}
	}
	size, err := msg.Size()
	if err != nil {
		return "", nil, err
	}
	if size > e.maxMessageSize {
		return "", nil, amtp.ValidationError("message exceeds maximum size", map[string]any{
			"size": size, "max_size": e.maxMessageSize,
		})
	}

	e.mu.Lock()
	if !e.accepting {
		e.mu.Unlock()
		return "", nil, amtp.NotRunningError("draining")
	}
	e.sweepLocked(time.Now())
	if existing, ok := e.byKey[msg.IdempotencyKey]; ok && existing.state != StateFailed {
		// Duplicate send of the same logical message: one delivery only.
		id := existing.msg.ID
		done := existing.done
		e.mu.Unlock()
		return id, done, nil
	}
	rec := &deliveryRecord{
		msg:   msg,
		state: StatePending,
		done:  make(chan error, 1),
	}
	e.byKey[msg.IdempotencyKey] = rec
	e.byID[msg.ID] = msg.IdempotencyKey
	e.inflight++
	e.mu.Unlock()

	e.journalSave(ctx, rec)

	select {
	case e.queue <- rec:
	case <-ctx.Done():
		e.terminate(rec, amtp.TransientTransportError("send cancelled before transmission", ctx.Err()))
		return "", nil, ctx.Err()
	}
	return msg.ID, rec.done, nil
}

// Record returns a snapshot of the delivery record for a message ID.
func (e *deliveryEngine) Record(messageID string) (DeliveryRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.byID[messageID]
	if !ok {
		return DeliveryRecord{}, false
	}
	rec, ok := e.byKey[key]
	if !ok {
		return DeliveryRecord{}, false
	}
	return DeliveryRecord{
		MessageID:      rec.msg.ID,
		IdempotencyKey: rec.msg.IdempotencyKey,
		State:          rec.state,
		Attempts:       rec.attempts,
		NextRetryAt:    rec.nextRetryAt,
		LastError:      rec.lastErr,
	}, true
}

// run transmits queued records until ctx is cancelled. Concurrency comes
// from running several of these under the client's task group; one
// record's retry sequence always stays on a single worker, so its
// attempts are strictly sequential.
func (e *deliveryEngine) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-e.queue:
			if !ok {
				return nil
			}
			e.deliver(ctx, rec)
		}
	}
}

// deliver runs the attempt loop for one record: Sending, then Delivered
// on gateway acknowledgment, re-queued with exponential backoff on
// transient failure, Failed on permanent failure or exhausted retries.
func (e *deliveryEngine) deliver(ctx context.Context, rec *deliveryRecord) {
	var lastErr error
	delay := e.retryDelay

	for attempt := 0; ; attempt++ {
		e.mu.Lock()
		rec.state = StateSending
		rec.attempts = attempt + 1
		e.mu.Unlock()

		_, err := e.gateway.Submit(ctx, rec.msg)
		if err == nil {
			e.terminate(rec, nil)
			return
		}
		lastErr = err

		if !amtp.IsTransient(err) {
			e.terminate(rec, err)
			return
		}
		if attempt+1 >= e.maxRetries {
			e.terminate(rec, amtp.RetriesExhaustedError(attempt+1, lastErr))
			return
		}

		wait := withJitter(delay)
		e.mu.Lock()
		rec.nextRetryAt = time.Now().Add(wait)
		rec.lastErr = err
		e.mu.Unlock()
		e.logger.DebugContext(ctx, "retrying delivery",
			slog.String("message_id", rec.msg.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", wait),
			slog.Any("error", err),
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			e.terminate(rec, amtp.TransientTransportError("delivery cancelled", ctx.Err()))
			return
		}

		delay = min(delay*2, e.maxRetryDelay)
	}
}

// terminate moves a record to its terminal state and reports the outcome.
func (e *deliveryEngine) terminate(rec *deliveryRecord, err error) {
	now := time.Now()

	e.mu.Lock()
	if err == nil {
		rec.state = StateDelivered
	} else {
		rec.state = StateFailed
		rec.lastErr = err
	}
	rec.terminalAt = now
	e.inflight--
	e.mu.Unlock()

	if err == nil {
		e.journalDelete(rec)
		e.logger.Info("message delivered",
			slog.String("message_id", rec.msg.ID),
			slog.Int("attempts", rec.attempts),
		)
	} else {
		e.journalSave(context.Background(), rec)
		e.logger.Warn("message delivery failed",
			slog.String("message_id", rec.msg.ID),
			slog.Int("attempts", rec.attempts),
			slog.Any("error", err),
		)
		if e.notifyError != nil {
			e.notifyError(err)
		}
	}
	rec.finish(err)
}

// Drain stops accepting new messages and waits until every queued and
// in-flight delivery reaches a terminal state, or ctx expires.
func (e *deliveryEngine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.accepting = false
	remaining := e.inflight
	e.mu.Unlock()
	if remaining == 0 {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.mu.Lock()
			remaining = e.inflight
			e.mu.Unlock()
			if remaining == 0 {
				return nil
			}
		}
	}
}

// sweepLocked evicts terminal records older than the retention window.
// Caller holds the engine mutex.
func (e *deliveryEngine) sweepLocked(now time.Time) {
	for key, rec := range e.byKey {
		if rec.state.terminal() && now.Sub(rec.terminalAt) > e.retention {
			delete(e.byKey, key)
			delete(e.byID, rec.msg.ID)
		}
	}
}

// journalSave persists the record when a journal is configured. Journal
// failures are logged, never fatal to the delivery itself.
func (e *deliveryEngine) journalSave(ctx context.Context, rec *deliveryRecord) {
	if e.journal == nil {
		return
	}
	e.mu.Lock()
	entry, err := newJournalEntry(rec.msg, rec.state, rec.attempts, rec.lastErr)
	e.mu.Unlock()
	if err != nil {
		e.logger.Warn("journal encode failed", slog.String("message_id", rec.msg.ID), slog.Any("error", err))
		return
	}
	if err := e.journal.Save(ctx, entry); err != nil {
		e.logger.Warn("journal save failed", slog.String("message_id", rec.msg.ID), slog.Any("error", err))
	}
}

func (e *deliveryEngine) journalDelete(rec *deliveryRecord) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Delete(context.Background(), rec.msg.ID); err != nil {
		e.logger.Warn("journal delete failed", slog.String("message_id", rec.msg.ID), slog.Any("error", err))
	}
}

// withJitter applies a 10% positive jitter to d so synchronized clients
// do not retry in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}
