// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	amtp "github.com/amtp-protocol/amtp-go"
)

// ClientState is a stage of the client lifecycle.
type ClientState int32

const (
	// ClientIdle is the state before Start.
	ClientIdle ClientState = iota

	// ClientResolving means Start is discovering the home gateway.
	ClientResolving

	// ClientRegistering means Start is announcing the agent.
	ClientRegistering

	// ClientRunning means both pipelines are live.
	ClientRunning

	// ClientDraining means Stop is flushing in-flight deliveries.
	ClientDraining

	// ClientStopped is the terminal state after a clean Stop.
	ClientStopped

	// ClientFailed is the terminal state after a failed Start.
	ClientFailed
)

// String returns the lifecycle state name.
func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "idle"
	case ClientResolving:
		return "resolving"
	case ClientRegistering:
		return "registering"
	case ClientRunning:
		return "running"
	case ClientDraining:
		return "draining"
	case ClientStopped:
		return "stopped"
	case ClientFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// gatewayHandle defers gateway binding until Start has resolved and built
// the real channel. The engine workers and the poll loop only run after
// the bind, so an unbound call indicates a lifecycle bug.
type gatewayHandle struct {
	gw atomic.Pointer[gatewaySlot]
}

type gatewaySlot struct {
	gateway Gateway
}

var _ Gateway = (*gatewayHandle)(nil)

func (h *gatewayHandle) bind(gw Gateway) {
	h.gw.Store(&gatewaySlot{gateway: gw})
}

func (h *gatewayHandle) get() (Gateway, error) {
	slot := h.gw.Load()
	if slot == nil {
		return nil, amtp.NotRunningError("gateway not bound")
	}
	return slot.gateway, nil
}

func (h *gatewayHandle) Health(ctx context.Context) error {
	gw, err := h.get()
	if err != nil {
		return err
	}
	return gw.Health(ctx)
}

func (h *gatewayHandle) Register(ctx context.Context, caps Capabilities) (*Registration, error) {
	gw, err := h.get()
	if err != nil {
		return nil, err
	}
	return gw.Register(ctx, caps)
}

func (h *gatewayHandle) Unregister(ctx context.Context, local string) error {
	gw, err := h.get()
	if err != nil {
		return err
	}
	return gw.Unregister(ctx, local)
}

func (h *gatewayHandle) Submit(ctx context.Context, msg *amtp.Message) (string, error) {
	gw, err := h.get()
	if err != nil {
		return "", err
	}
	return gw.Submit(ctx, msg)
}

func (h *gatewayHandle) Fetch(ctx context.Context, addr amtp.Address, limit int) ([]Delivery, error) {
	gw, err := h.get()
	if err != nil {
		return nil, err
	}
	return gw.Fetch(ctx, addr, limit)
}

func (h *gatewayHandle) Ack(ctx context.Context, addr amtp.Address, token string) error {
	gw, err := h.get()
	if err != nil {
		return err
	}
	return gw.Ack(ctx, addr, token)
}

func (h *gatewayHandle) Nack(ctx context.Context, addr amtp.Address, token string) error {
	gw, err := h.get()
	if err != nil {
		return err
	}
	return gw.Nack(ctx, addr, token)
}

// Client is an AMTP agent endpoint. It owns the outbound delivery engine,
// the inbound dispatcher and the connection lifecycle against the agent's
// home gateway.
//
// A Client is safe for concurrent use. Start and Stop are each effective
// once.
type Client struct {
	opts     *options
	logger   *slog.Logger
	registry *amtp.SchemaRegistry
	resolver *Resolver

	handle     *gatewayHandle
	engine     *deliveryEngine
	dispatcher *dispatcher
	push       *PushHandler

	state atomic.Int32

	mu     sync.Mutex
	addr   amtp.Address
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a client for the agent at address, which must be of the
// form local@domain. The client does not touch the network until Start.
func New(address string, opts ...Option) (*Client, error) {
	addr, err := amtp.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	c := &Client{
		opts:     o,
		logger:   o.logger,
		registry: o.registry,
		addr:     addr,
		handle:   &gatewayHandle{},
	}
	c.resolver = NewResolver(ResolverConfig{
		TTL:        o.resolveTTL,
		StaleGrace: o.staleGrace,
		LookupTXT:  o.lookupTXT,
		HTTPClient: o.httpClient,
		Logger:     o.logger,
	})

	// The dispatcher fans errors out to OnError handlers; the engine
	// reports its terminal failures through the same fan-out.
	c.dispatcher = newDispatcher(o, c.handle, nil, addr)
	c.engine = newDeliveryEngine(o, c.handle, c.dispatcher.notifyError)
	c.dispatcher.engine = c.engine
	c.push = newPushHandler(o, c.dispatcher)

	return c, nil
}

// Address returns the agent address, canonicalized by the gateway once
// the client has registered.
func (c *Client) Address() amtp.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Start resolves the agent's home gateway, registers the agent and
// launches the outbound and inbound pipelines. It returns once the client
// is Running or the startup sequence has failed.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(ClientIdle), int32(ClientResolving)) {
		return amtp.NotRunningError(c.State().String())
	}

	gw, err := c.connect(ctx)
	if err != nil {
		c.state.Store(int32(ClientFailed))
		return err
	}
	c.handle.bind(gw)

	c.state.Store(int32(ClientRegistering))
	if err := c.register(ctx, gw); err != nil {
		c.state.Store(int32(ClientFailed))
		return err
	}

	if err := c.recover(ctx); err != nil {
		c.state.Store(int32(ClientFailed))
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	for range c.opts.workers {
		group.Go(func() error { return c.engine.run(groupCtx) })
		group.Go(func() error { return c.dispatcher.worker(groupCtx) })
	}
	if c.opts.deliveryMode == DeliveryModePull {
		group.Go(func() error { return c.dispatcher.pollLoop(groupCtx) })
	}

	c.mu.Lock()
	c.cancel = cancel
	c.group = group
	c.mu.Unlock()

	c.state.Store(int32(ClientRunning))
	c.logger.InfoContext(ctx, "client running",
		slog.String("address", c.Address().String()),
		slog.String("delivery_mode", string(c.opts.deliveryMode)),
	)
	return nil
}

// connect builds the gateway channel, resolving the agent's own domain
// unless a gateway URL or a Gateway implementation was supplied, and
// probes it for reachability.
func (c *Client) connect(ctx context.Context) (Gateway, error) {
	var gw Gateway
	switch {
	case c.opts.gateway != nil:
		gw = c.opts.gateway
	default:
		baseURL := c.opts.gatewayURL
		if baseURL == "" {
			info, err := c.resolver.Resolve(ctx, c.addr.Domain())
			if err != nil {
				return nil, err
			}
			baseURL = info.Endpoint
		}
		if c.opts.tlsEnabled && strings.HasPrefix(baseURL, "http://") {
			return nil, amtp.ValidationError("gateway endpoint must use https", map[string]any{
				"endpoint": baseURL,
			})
		}
		httpGW, err := NewHTTPGateway(HTTPGatewayConfig{
			BaseURL:      baseURL,
			APIKey:       c.opts.apiKey,
			HTTPClient:   c.opts.httpClient,
			Interceptors: c.opts.interceptors,
			Logger:       c.opts.logger,
			ReadTimeout:  c.opts.readTimeout,
		})
		if err != nil {
			return nil, err
		}
		gw = httpGW
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()
	if err := gw.Health(probeCtx); err != nil {
		return nil, fmt.Errorf("gateway health check failed: %w", err)
	}
	return gw, nil
}

// register announces the agent and adopts the gateway's canonical address
// and issued API key.
func (c *Client) register(ctx context.Context, gw Gateway) error {
	caps := Capabilities{
		Address:      c.addr.String(),
		DeliveryMode: c.opts.deliveryMode,
		Version:      amtp.Version,
	}
	if c.registry != nil {
		caps.Schemas = c.registry.List()
	}

	reg, err := gw.Register(ctx, caps)
	if err != nil {
		return fmt.Errorf("agent registration failed: %w", err)
	}
	if reg == nil {
		return nil
	}

	if reg.APIKey != "" {
		if httpGW, ok := gw.(*HTTPGateway); ok {
			httpGW.SetAPIKey(reg.APIKey)
		}
	}
	if reg.Address != "" {
		canonical, err := amtp.ParseAddress(reg.Address)
		if err != nil {
			return fmt.Errorf("gateway returned invalid canonical address %q: %w", reg.Address, err)
		}
		c.mu.Lock()
		c.addr = canonical
		c.mu.Unlock()
		c.dispatcher.addr = canonical
		c.dispatcher.sender = canonical
	}
	return nil
}

// recover re-enqueues journaled deliveries that never reached a terminal
// success, so a restarted client resumes where it left off.
func (c *Client) recover(ctx context.Context) error {
	journal := c.opts.journal
	if journal == nil {
		return nil
	}
	if err := journal.Initialize(ctx); err != nil {
		return fmt.Errorf("journal initialization failed: %w", err)
	}

	entries, err := journal.Pending(ctx)
	if err != nil {
		return fmt.Errorf("journal recovery failed: %w", err)
	}
	for _, entry := range entries {
		msg, err := entry.Message()
		if err != nil {
			c.logger.WarnContext(ctx, "skipping unreadable journal entry",
				slog.String("message_id", entry.MessageID), slog.Any("error", err))
			continue
		}
		if _, _, err := c.engine.Enqueue(ctx, msg); err != nil {
			c.logger.WarnContext(ctx, "failed to re-enqueue journaled message",
				slog.String("message_id", entry.MessageID), slog.Any("error", err))
		}
	}
	if len(entries) > 0 {
		c.logger.InfoContext(ctx, "recovered journaled deliveries", slog.Int("count", len(entries)))
	}
	return nil
}

// sendable reports whether the current state accepts outbound messages.
// Before Running, acceptance follows the pre-running queue option.
func (c *Client) sendable() error {
	switch state := c.State(); state {
	case ClientRunning:
		return nil
	case ClientIdle, ClientResolving, ClientRegistering:
		if c.opts.queuePreRunning {
			return nil
		}
		return amtp.NotRunningError(state.String())
	default:
		return amtp.NotRunningError(state.String())
	}
}

// Send queues msg for asynchronous delivery and returns its assigned
// message ID. Delivery outcome is reported through OnError handlers and
// Status; use SendResult or SendSync to observe it directly.
func (c *Client) Send(ctx context.Context, msg *amtp.Message) (string, error) {
	id, _, err := c.SendResult(ctx, msg)
	return id, err
}

// SendResult queues msg for delivery and returns its assigned message ID
// together with a channel that receives the terminal outcome exactly once
// (nil on successful delivery).
func (c *Client) SendResult(ctx context.Context, msg *amtp.Message) (string, <-chan error, error) {
	if err := c.sendable(); err != nil {
		return "", nil, err
	}
	return c.engine.Enqueue(ctx, msg)
}

// SendSync queues msg and blocks until delivery reaches a terminal
// outcome or ctx expires.
func (c *Client) SendSync(ctx context.Context, msg *amtp.Message) (string, error) {
	id, done, err := c.SendResult(ctx, msg)
	if err != nil {
		return "", err
	}
	select {
	case err := <-done:
		return id, err
	case <-ctx.Done():
		return id, ctx.Err()
	}
}

// Status returns the delivery record for a previously sent message ID.
func (c *Client) Status(messageID string) (DeliveryRecord, bool) {
	return c.engine.Record(messageID)
}

// Receive injects an inbound message, for push transports hosted outside
// PushHandler.
func (c *Client) Receive(ctx context.Context, msg *amtp.Message, token string) error {
	if state := c.State(); state != ClientRunning {
		return amtp.NotRunningError(state.String())
	}
	return c.dispatcher.Receive(ctx, msg, token)
}

// PushHandler returns the HTTP handler for gateway push deliveries. Mount
// it on the endpoint advertised at registration.
func (c *Client) PushHandler() *PushHandler {
	return c.push
}

// OnMessage registers the default inbound handler.
func (c *Client) OnMessage(h Handler) { c.dispatcher.OnMessage(h) }

// Handle registers an inbound handler guarded by a predicate.
func (c *Client) Handle(match HandlerPredicate, h Handler) { c.dispatcher.Handle(match, h) }

// OnSchema registers an inbound handler for messages referencing schemaID.
func (c *Client) OnSchema(schemaID string, h Handler) { c.dispatcher.OnSchema(schemaID, h) }

// OnCoordination registers an inbound handler for messages tagged with ct.
func (c *Client) OnCoordination(ct amtp.CoordinationType, h Handler) {
	c.dispatcher.OnCoordination(ct, h)
}

// OnError registers a handler for delivery and processing failures.
func (c *Client) OnError(h ErrorHandler) { c.dispatcher.OnError(h) }

// Stop drains in-flight deliveries, shuts both pipelines down and removes
// the agent's registration. ctx bounds the drain; once it expires,
// remaining deliveries are abandoned. Stop is idempotent.
func (c *Client) Stop(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(ClientRunning), int32(ClientDraining)) {
		// Never got to Running: just seal the lifecycle.
		switch ClientState(c.state.Load()) {
		case ClientStopped, ClientFailed, ClientDraining:
			return nil
		default:
			c.state.Store(int32(ClientStopped))
			return nil
		}
	}

	if err := c.engine.Drain(ctx); err != nil {
		c.logger.WarnContext(ctx, "drain interrupted, abandoning in-flight deliveries",
			slog.Any("error", err))
	}

	c.mu.Lock()
	cancel := c.cancel
	group := c.group
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WarnContext(ctx, "pipeline shutdown error", slog.Any("error", err))
		}
	}

	if err := c.handle.Unregister(ctx, c.Address().Local()); err != nil {
		c.logger.WarnContext(ctx, "unregister failed", slog.Any("error", err))
	}

	if c.opts.journal != nil {
		if err := c.opts.journal.Close(); err != nil {
			c.logger.WarnContext(ctx, "journal close failed", slog.Any("error", err))
		}
	}

	c.state.Store(int32(ClientStopped))
	c.logger.InfoContext(ctx, "client stopped", slog.String("address", c.Address().String()))
	return nil
}
