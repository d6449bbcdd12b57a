// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json"

	amtp "github.com/amtp-protocol/amtp-go"
)

// Capabilities describes what the registering agent supports. It is sent
// to the gateway at registration time.
type Capabilities struct {
	Address      string       `json:"address"`
	DeliveryMode DeliveryMode `json:"delivery_mode"`
	Schemas      []string     `json:"schemas,omitzero"`
	Version      string       `json:"version,omitzero"`
}

// Registration is the gateway's answer to a register call. The gateway
// may issue an API key and canonicalize the agent address; the client
// adopts both.
type Registration struct {
	Address string `json:"address,omitzero"`
	APIKey  string `json:"api_key,omitzero"`
}

// Delivery is one inbound message together with the opaque token used to
// acknowledge it.
type Delivery struct {
	Message *amtp.Message `json:"message"`
	Token   string        `json:"delivery_token"`
}

// Gateway is the channel to an AMTP gateway. The delivery engine and the
// inbound dispatcher treat it as a black box; the production
// implementation is HTTPGateway, tests substitute stubs.
type Gateway interface {
	// Health probes gateway reachability.
	Health(ctx context.Context) error

	// Register announces the agent and its capabilities.
	Register(ctx context.Context, caps Capabilities) (*Registration, error)

	// Unregister removes the agent's registration.
	Unregister(ctx context.Context, local string) error

	// Submit hands a message to the gateway for delivery. The message's
	// idempotency key travels in the envelope; the gateway deduplicates
	// on it across client restarts. Returns the gateway-assigned message
	// ID (usually the envelope's own).
	Submit(ctx context.Context, msg *amtp.Message) (string, error)

	// Fetch returns up to limit pending inbound deliveries (pull mode).
	Fetch(ctx context.Context, addr amtp.Address, limit int) ([]Delivery, error)

	// Ack acknowledges a delivery so the gateway stops redelivering it.
	Ack(ctx context.Context, addr amtp.Address, token string) error

	// Nack returns a delivery to the gateway for redelivery.
	Nack(ctx context.Context, addr amtp.Address, token string) error
}

// HTTPGateway talks to an AMTP gateway over its REST surface.
type HTTPGateway struct {
	baseURL      string
	httpClient   *http.Client
	interceptors []Interceptor
	logger       *slog.Logger
	readTimeout  time.Duration

	mu     sync.RWMutex
	apiKey string
}

var _ Gateway = (*HTTPGateway)(nil)

// HTTPGatewayConfig configures an HTTPGateway.
type HTTPGatewayConfig struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	Interceptors []Interceptor
	Logger       *slog.Logger
	// ReadTimeout bounds each call when the context carries no deadline.
	ReadTimeout time.Duration
}

// NewHTTPGateway creates a gateway channel for the given base URL.
func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, amtp.ValidationError("gateway base URL cannot be empty", nil)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGateway{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   hc,
		interceptors: cfg.Interceptors,
		logger:       logger,
		readTimeout:  cfg.ReadTimeout,
		apiKey:       cfg.APIKey,
	}, nil
}

// SetAPIKey replaces the bearer credential attached to every call.
// Called when registration issues a key.
func (g *HTTPGateway) SetAPIKey(key string) {
	g.mu.Lock()
	g.apiKey = key
	g.mu.Unlock()
}

// Health implements Gateway.
func (g *HTTPGateway) Health(ctx context.Context) error {
	return g.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// Register implements Gateway.
func (g *HTTPGateway) Register(ctx context.Context, caps Capabilities) (*Registration, error) {
	// The agent object may be nested or flattened depending on the
	// gateway generation.
	var resp struct {
		Agent  *Registration `json:"agent,omitzero"`
		APIKey string        `json:"api_key,omitzero"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/admin/agents", nil, caps, &resp); err != nil {
		return nil, err
	}
	reg := resp.Agent
	if reg == nil {
		reg = &Registration{}
	}
	if reg.APIKey == "" {
		reg.APIKey = resp.APIKey
	}
	return reg, nil
}

// Unregister implements Gateway.
func (g *HTTPGateway) Unregister(ctx context.Context, local string) error {
	return g.do(ctx, http.MethodDelete, "/v1/admin/agents/"+url.PathEscape(local), nil, nil, nil)
}

// Submit implements Gateway.
func (g *HTTPGateway) Submit(ctx context.Context, msg *amtp.Message) (string, error) {
	var resp struct {
		MessageID string `json:"message_id,omitzero"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/messages", nil, msg, &resp); err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return msg.ID, nil
	}
	return resp.MessageID, nil
}

// Fetch implements Gateway.
func (g *HTTPGateway) Fetch(ctx context.Context, addr amtp.Address, limit int) ([]Delivery, error) {
	var resp struct {
		Messages []Delivery `json:"messages,omitzero"`
	}
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	path := "/v1/inbox/" + url.PathEscape(addr.String())
	if err := g.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Ack implements Gateway.
func (g *HTTPGateway) Ack(ctx context.Context, addr amtp.Address, token string) error {
	path := "/v1/inbox/" + url.PathEscape(addr.String()) + "/" + url.PathEscape(token)
	return g.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Nack implements Gateway.
func (g *HTTPGateway) Nack(ctx context.Context, addr amtp.Address, token string) error {
	path := "/v1/inbox/" + url.PathEscape(addr.String()) + "/" + url.PathEscape(token) + "/nack"
	return g.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// do performs one JSON request/response cycle against the gateway,
// classifying failures into the transport error taxonomy.
func (g *HTTPGateway) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if g.readTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.readTimeout)
			defer cancel()
		}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return amtp.ValidationError("gateway request cannot be encoded", map[string]any{"path": path})
		}
		body = bytes.NewReader(data)
	}

	target := g.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return amtp.PermanentTransportError("create gateway request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "amtp-go/"+amtp.Version)

	g.mu.RLock()
	apiKey := g.apiKey
	g.mu.RUnlock()
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	invoker := func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return g.httpClient.Do(req.WithContext(ctx))
	}
	invoker = chainInterceptors(g.interceptors, invoker)

	resp, err := invoker(ctx, req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all retryable.
		return amtp.TransientTransportError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp)
	}

	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return amtp.TransientTransportError("read gateway response", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return amtp.PermanentTransportError("decode gateway response", err)
			}
		}
	}
	return nil
}

// classifyStatus maps a non-2xx gateway response to the transport error
// taxonomy. Rate limiting, timeouts and server errors are transient;
// client errors are permanent.
func classifyStatus(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := gatewayErrorDetail(data)
	msg := fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode)
	if detail != "" {
		msg += ": " + detail
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return amtp.TransientTransportError(msg, nil)
	default:
		return amtp.PermanentTransportError(msg, nil)
	}
}

// gatewayErrorDetail extracts the "error" field from a gateway error body.
func gatewayErrorDetail(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error,omitzero"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.Error
}
