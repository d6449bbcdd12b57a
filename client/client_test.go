// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amtp "github.com/amtp-protocol/amtp-go"
	"github.com/amtp-protocol/amtp-go/client"
)

// stubGateway is an in-memory Gateway for pipeline tests. Behavior
// defaults to success; individual calls are overridable per test.
type stubGateway struct {
	mu          sync.Mutex
	submits     []*amtp.Message
	acks        []string
	nacks       []string
	unregisters []string
	registered  []client.Capabilities

	healthFunc   func(ctx context.Context) error
	registerFunc func(ctx context.Context, caps client.Capabilities) (*client.Registration, error)
	submitFunc   func(ctx context.Context, msg *amtp.Message) (string, error)
	fetchFunc    func(ctx context.Context, addr amtp.Address, limit int) ([]client.Delivery, error)
}

var _ client.Gateway = (*stubGateway)(nil)

func (g *stubGateway) Health(ctx context.Context) error {
	if g.healthFunc != nil {
		return g.healthFunc(ctx)
	}
	return nil
}

func (g *stubGateway) Register(ctx context.Context, caps client.Capabilities) (*client.Registration, error) {
	g.mu.Lock()
	g.registered = append(g.registered, caps)
	g.mu.Unlock()
	if g.registerFunc != nil {
		return g.registerFunc(ctx, caps)
	}
	return &client.Registration{}, nil
}

func (g *stubGateway) Unregister(ctx context.Context, local string) error {
	g.mu.Lock()
	g.unregisters = append(g.unregisters, local)
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) Submit(ctx context.Context, msg *amtp.Message) (string, error) {
	g.mu.Lock()
	g.submits = append(g.submits, msg)
	g.mu.Unlock()
	if g.submitFunc != nil {
		return g.submitFunc(ctx, msg)
	}
	return msg.ID, nil
}

func (g *stubGateway) Fetch(ctx context.Context, addr amtp.Address, limit int) ([]client.Delivery, error) {
	if g.fetchFunc != nil {
		return g.fetchFunc(ctx, addr, limit)
	}
	return nil, nil
}

func (g *stubGateway) Ack(ctx context.Context, addr amtp.Address, token string) error {
	g.mu.Lock()
	g.acks = append(g.acks, token)
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) Nack(ctx context.Context, addr amtp.Address, token string) error {
	g.mu.Lock()
	g.nacks = append(g.nacks, token)
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

// quietLogger keeps expected warnings out of test output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient builds a started client on the stub gateway with test
// friendly timings.
func newTestClient(t *testing.T, gw *stubGateway, opts ...client.Option) *client.Client {
	t.Helper()

	base := []client.Option{
		client.WithGateway(gw),
		client.WithLogger(quietLogger()),
		client.WithRetryDelay(time.Millisecond),
		client.WithMaxRetryDelay(10 * time.Millisecond),
		client.WithPollInterval(5 * time.Millisecond),
	}
	c, err := client.New("local@example.com", append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Stop(ctx)
	})
	return c
}

func TestClient_New_InvalidAddress(t *testing.T) {
	_, err := client.New("not-an-address")
	if !amtp.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestClient_Start_Lifecycle(t *testing.T) {
	gw := &stubGateway{
		registerFunc: func(ctx context.Context, caps client.Capabilities) (*client.Registration, error) {
			return &client.Registration{
				Address: "canonical@example.com",
				APIKey:  "issued",
			}, nil
		},
	}

	registry := amtp.NewSchemaRegistry()
	if err := registry.Register(orderSchemaForClient()); err != nil {
		t.Fatalf("Register schema: %v", err)
	}

	c, err := client.New("Local@Example.COM",
		client.WithGateway(gw),
		client.WithLogger(quietLogger()),
		client.WithSchemaRegistry(registry),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.State(); got != client.ClientIdle {
		t.Errorf("State before Start = %v, want idle", got)
	}

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.State(); got != client.ClientRunning {
		t.Errorf("State after Start = %v, want running", got)
	}
	if got := c.Address().String(); got != "canonical@example.com" {
		t.Errorf("Address = %q, want gateway canonical address", got)
	}

	gw.mu.Lock()
	caps := gw.registered[0]
	gw.mu.Unlock()
	if caps.Address != "Local@example.com" {
		t.Errorf("registered address = %q", caps.Address)
	}
	if len(caps.Schemas) != 1 {
		t.Errorf("registered schemas = %v, want the registry contents", caps.Schemas)
	}

	// Start is effective once.
	if err := c.Start(t.Context()); !amtp.IsNotRunning(err) {
		t.Errorf("second Start: got %v, want not-running error", err)
	}

	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := c.State(); got != client.ClientStopped {
		t.Errorf("State after Stop = %v, want stopped", got)
	}
	gw.mu.Lock()
	unregisters := len(gw.unregisters)
	gw.mu.Unlock()
	if unregisters != 1 {
		t.Errorf("unregister calls = %d, want 1", unregisters)
	}

	// Stop is idempotent.
	if err := c.Stop(t.Context()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestClient_Start_FailsOnHealth(t *testing.T) {
	gw := &stubGateway{
		healthFunc: func(ctx context.Context) error {
			return amtp.TransientTransportError("gateway down", nil)
		},
	}
	c, err := client.New("local@example.com",
		client.WithGateway(gw),
		client.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Start(t.Context()); err == nil {
		t.Fatal("expected Start to fail on health probe")
	}
	if got := c.State(); got != client.ClientFailed {
		t.Errorf("State = %v, want failed", got)
	}
}

func TestClient_Start_RejectsPlaintextGateway(t *testing.T) {
	c, err := client.New("local@example.com",
		client.WithGatewayURL("http://gateway.example.com:8443"),
		client.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.Start(t.Context())
	if !amtp.IsValidation(err) {
		t.Fatalf("Start error = %v, want validation", err)
	}
	if got := c.State(); got != client.ClientFailed {
		t.Errorf("State = %v, want failed", got)
	}
}

func TestClient_Send_AfterStop(t *testing.T) {
	gw := &stubGateway{}
	c := newTestClient(t, gw)
	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	msg := amtp.NewMessage(c.Address(), amtp.MustParseAddress("peer@example.org"))
	if _, err := c.Send(t.Context(), msg); !amtp.IsNotRunning(err) {
		t.Errorf("Send after Stop: got %v, want not-running error", err)
	}
}

func TestClient_Send_BeforeStart(t *testing.T) {
	t.Run("queued when pre-running queue enabled", func(t *testing.T) {
		gw := &stubGateway{}
		c, err := client.New("local@example.com",
			client.WithGateway(gw),
			client.WithLogger(quietLogger()),
		)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		msg := amtp.NewMessage(c.Address(), amtp.MustParseAddress("peer@example.org"))
		id, done, err := c.SendResult(t.Context(), msg)
		if err != nil {
			t.Fatalf("SendResult before Start: %v", err)
		}
		if id == "" {
			t.Fatal("expected assigned message ID")
		}

		if err := c.Start(t.Context()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer c.Stop(context.Background())

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("queued message failed after Start: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queued message never delivered after Start")
		}
	})

	t.Run("rejected when pre-running queue disabled", func(t *testing.T) {
		c, err := client.New("local@example.com",
			client.WithGateway(&stubGateway{}),
			client.WithLogger(quietLogger()),
			client.WithQueuePreRunning(false),
		)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		msg := amtp.NewMessage(c.Address(), amtp.MustParseAddress("peer@example.org"))
		if _, err := c.Send(t.Context(), msg); !amtp.IsNotRunning(err) {
			t.Errorf("got %v, want not-running error", err)
		}
	})
}

func orderSchemaForClient() *amtp.Schema {
	return &amtp.Schema{
		ID:      "agntcy:commerce.order.v1",
		Name:    "Order",
		Version: "v1",
		Definition: map[string]any{
			"type":     "object",
			"required": []any{"order_id"},
			"properties": map[string]any{
				"order_id": map[string]any{"type": "string"},
			},
		},
	}
}
