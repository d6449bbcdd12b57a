// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amtp "github.com/amtp-protocol/amtp-go"
)

// Handler processes one inbound message. A non-nil returned payload is
// sent back to the message's sender as a reply; a nil payload acknowledges
// without replying.
type Handler func(ctx context.Context, msg *amtp.Message) (map[string]any, error)

// HandlerPredicate decides whether a handler matches a message.
type HandlerPredicate func(msg *amtp.Message) bool

// ErrorHandler observes terminal processing and delivery failures.
type ErrorHandler func(err error)

// handlerEntry is one row of the dispatch table.
type handlerEntry struct {
	match HandlerPredicate
	fn    Handler
}

// inboundReceipt records that a message ID was seen, for duplicate
// suppression under at-least-once delivery.
type inboundReceipt struct {
	receivedAt time.Time
	processed  bool
}

// dispatcher owns the inbound pipeline. Pull mode runs a poll loop
// against the gateway inbox; push mode feeds the same path through
// Receive. Polling and handler execution are decoupled by a bounded work
// queue: when the queue is full, polling pauses rather than dropping
// messages.
type dispatcher struct {
	gateway Gateway
	engine  *deliveryEngine
	logger  *slog.Logger
	addr    amtp.Address
	sender  amtp.Address

	mode         DeliveryMode
	pollInterval time.Duration
	pollLimit    int
	workers      int
	dedupWindow  time.Duration
	ackPolicy    AckPolicy

	work chan Delivery

	mu             sync.Mutex
	handlers       []handlerEntry
	defaultHandler Handler
	errorHandlers  []ErrorHandler
	receipts       map[string]*inboundReceipt
	lastSweep      time.Time
}

func newDispatcher(o *options, gateway Gateway, engine *deliveryEngine, addr amtp.Address) *dispatcher {
	return &dispatcher{
		gateway:      gateway,
		engine:       engine,
		logger:       o.logger,
		addr:         addr,
		sender:       addr,
		mode:         o.deliveryMode,
		pollInterval: o.pollInterval,
		pollLimit:    o.pollLimit,
		workers:      o.workers,
		dedupWindow:  o.dedupWindow,
		ackPolicy:    o.ackPolicy,
		work:         make(chan Delivery, o.queueSize),
		receipts:     make(map[string]*inboundReceipt),
	}
}

// OnMessage registers the default handler, invoked when no other entry
// matches. It is tried last regardless of registration order.
func (d *dispatcher) OnMessage(h Handler) {
	d.mu.Lock()
	d.defaultHandler = h
	d.mu.Unlock()
}

// Handle registers a handler guarded by a predicate. Entries are tried in
// registration order before the default handler.
func (d *dispatcher) Handle(match HandlerPredicate, h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, handlerEntry{match: match, fn: h})
	d.mu.Unlock()
}

// OnSchema registers a handler for messages referencing schemaID.
func (d *dispatcher) OnSchema(schemaID string, h Handler) {
	d.Handle(func(msg *amtp.Message) bool { return msg.Schema == schemaID }, h)
}

// OnCoordination registers a handler for messages tagged with ct.
func (d *dispatcher) OnCoordination(ct amtp.CoordinationType, h Handler) {
	d.Handle(func(msg *amtp.Message) bool { return msg.Coordination == ct }, h)
}

// OnError registers an error handler. Handlers run in registration order.
func (d *dispatcher) OnError(h ErrorHandler) {
	d.mu.Lock()
	d.errorHandlers = append(d.errorHandlers, h)
	d.mu.Unlock()
}

// notifyError fans an error out to the registered error handlers.
func (d *dispatcher) notifyError(err error) {
	d.mu.Lock()
	handlers := make([]ErrorHandler, len(d.errorHandlers))
	copy(handlers, d.errorHandlers)
	d.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

// pollLoop fetches inbox messages, once immediately and then on the poll
// interval. At most one poll is in flight at a time by construction;
// enqueueing into the bounded work queue blocks when handlers fall behind,
// which pauses polling.
func (d *dispatcher) pollLoop(ctx context.Context) error {
	if err := d.pollOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := d.pollOnce(ctx); err != nil {
			return err
		}
	}
}

// pollOnce fetches one inbox batch and queues it for the workers. Fetch
// failures are reported to the error handlers and do not stop the loop.
func (d *dispatcher) pollOnce(ctx context.Context) error {
	deliveries, err := d.gateway.Fetch(ctx, d.addr, d.pollLimit)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.WarnContext(ctx, "inbox poll failed", slog.Any("error", err))
		d.notifyError(err)
		return nil
	}
	d.sweepReceipts(time.Now())

	for _, delivery := range deliveries {
		select {
		case d.work <- delivery:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive is the push-mode entrypoint, invoked by the external transport
// for each inbound message. It routes into the same dedup and dispatch
// path as pull mode, blocking when the work queue is full.
func (d *dispatcher) Receive(ctx context.Context, msg *amtp.Message, token string) error {
	if msg == nil {
		return amtp.ValidationError("inbound message cannot be nil", nil)
	}
	if msg.ID == "" {
		return amtp.ValidationError("inbound message has no id", nil)
	}
	select {
	case d.work <- Delivery{Message: msg, Token: token}:
		return nil
	case <-ctx.Done():
		return amtp.TransientTransportError("inbound queue full", ctx.Err())
	}
}

// worker consumes the work queue and dispatches each delivery. The client
// runs a bounded pool of these.
func (d *dispatcher) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery := <-d.work:
			d.dispatch(ctx, delivery)
		}
	}
}

// dispatch runs deduplication, handler selection, reply routing and
// acknowledgment for one delivery.
func (d *dispatcher) dispatch(ctx context.Context, delivery Delivery) {
	msg := delivery.Message

	// Dedup check and claim are one atomic step so concurrent workers
	// cannot both dispatch the same redelivered message.
	d.mu.Lock()
	if receipt, ok := d.receipts[msg.ID]; ok {
		processed := receipt.processed
		d.mu.Unlock()
		if processed {
			// Already handled: the gateway redelivered under
			// at-least-once semantics, so just re-acknowledge.
			d.ack(ctx, delivery)
		}
		// An unprocessed receipt means another worker holds this message;
		// drop the duplicate and let redelivery sort out its outcome.
		return
	}
	d.receipts[msg.ID] = &inboundReceipt{receivedAt: time.Now()}
	handler := d.selectHandlerLocked(msg)
	d.mu.Unlock()

	if handler == nil {
		// No handler registered for this message: acknowledge it rather
		// than letting the gateway redeliver forever.
		d.logger.InfoContext(ctx, "no handler for message", slog.String("message_id", msg.ID))
		d.markProcessed(msg.ID)
		d.ack(ctx, delivery)
		return
	}

	replyPayload, err := d.invoke(ctx, handler, msg)
	if err != nil {
		d.logger.WarnContext(ctx, "handler failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
		d.notifyError(err)

		if d.ackPolicy == AckAlways {
			d.markProcessed(msg.ID)
			d.ack(ctx, delivery)
			return
		}
		// Ack-on-success: drop the receipt so the gateway's redelivery
		// gets a fresh handler invocation.
		d.mu.Lock()
		delete(d.receipts, msg.ID)
		d.mu.Unlock()
		d.nack(ctx, delivery)
		return
	}

	if replyPayload != nil && !msg.Sender.IsZero() {
		reply := msg.Reply(replyPayload)
		reply.Sender = d.sender
		if _, _, err := d.engine.Enqueue(ctx, reply); err != nil {
			d.logger.WarnContext(ctx, "reply enqueue failed",
				slog.String("in_reply_to", msg.ID), slog.Any("error", err))
			d.notifyError(err)
		}
	}

	d.markProcessed(msg.ID)
	d.ack(ctx, delivery)
}

// invoke calls a handler, converting a panic into an error so one bad
// handler cannot take the worker down.
func (d *dispatcher) invoke(ctx context.Context, h Handler, msg *amtp.Message) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

// selectHandlerLocked picks the first matching table entry, falling back
// to the default handler. Caller holds the dispatcher mutex.
func (d *dispatcher) selectHandlerLocked(msg *amtp.Message) Handler {
	for _, entry := range d.handlers {
		if entry.match(msg) {
			return entry.fn
		}
	}
	return d.defaultHandler
}

func (d *dispatcher) markProcessed(messageID string) {
	d.mu.Lock()
	if receipt, ok := d.receipts[messageID]; ok {
		receipt.processed = true
	}
	d.mu.Unlock()
}

func (d *dispatcher) ack(ctx context.Context, delivery Delivery) {
	if delivery.Token == "" {
		return
	}
	if err := d.gateway.Ack(ctx, d.addr, delivery.Token); err != nil {
		d.logger.WarnContext(ctx, "ack failed",
			slog.String("message_id", delivery.Message.ID), slog.Any("error", err))
	}
}

func (d *dispatcher) nack(ctx context.Context, delivery Delivery) {
	if delivery.Token == "" {
		return
	}
	if err := d.gateway.Nack(ctx, d.addr, delivery.Token); err != nil {
		d.logger.WarnContext(ctx, "nack failed",
			slog.String("message_id", delivery.Message.ID), slog.Any("error", err))
	}
}

// sweepReceipts evicts receipts older than the dedup window, bounding the
// dedup set. Swept at most once per window quarter.
func (d *dispatcher) sweepReceipts(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastSweep) < d.dedupWindow/4 {
		return
	}
	d.lastSweep = now
	for id, receipt := range d.receipts {
		if now.Sub(receipt.receivedAt) > d.dedupWindow {
			delete(d.receipts, id)
		}
	}
}
