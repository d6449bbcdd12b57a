// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	amtp "github.com/amtp-protocol/amtp-go"
)

// pushRequest is the body the gateway POSTs to a push-mode endpoint.
type pushRequest struct {
	Message *amtp.Message `json:"message"`
	Token   string        `json:"delivery_token,omitzero"`
}

// pushResponse acknowledges a push delivery.
type pushResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// PushHandler is an http.Handler that accepts gateway push deliveries
// and routes them into the client's inbound pipeline. When verification
// keys are configured, each request must carry a bearer JWT signed by
// one of them.
type PushHandler struct {
	dispatcher *dispatcher
	logger     *slog.Logger
	keys       jwk.Set
	issuer     string
	maxSize    int64
}

var _ http.Handler = (*PushHandler)(nil)

func newPushHandler(o *options, d *dispatcher) *PushHandler {
	return &PushHandler{
		dispatcher: d,
		logger:     o.logger,
		keys:       o.pushKeys,
		issuer:     o.pushIssuer,
		maxSize:    int64(o.maxMessageSize),
	}
}

// ServeHTTP implements http.Handler.
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writePushError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := h.verify(r); err != nil {
		h.logger.WarnContext(r.Context(), "push verification failed", slog.Any("error", err))
		writePushError(w, http.StatusUnauthorized, "verification failed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxSize+1))
	if err != nil {
		writePushError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > h.maxSize {
		writePushError(w, http.StatusRequestEntityTooLarge, "message exceeds maximum size")
		return
	}

	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writePushError(w, http.StatusBadRequest, "malformed push payload")
		return
	}
	if req.Message == nil || req.Message.ID == "" {
		writePushError(w, http.StatusBadRequest, "push payload has no message")
		return
	}

	if err := h.dispatcher.Receive(r.Context(), req.Message, req.Token); err != nil {
		if amtp.IsValidation(err) {
			writePushError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Work queue is saturated. 503 tells the gateway to redeliver.
		writePushError(w, http.StatusServiceUnavailable, "inbound queue full")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	resp := pushResponse{MessageID: req.Message.ID, Status: "accepted"}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	w.Write(data)
}

// verify checks the request's bearer JWT against the configured key set.
// With no keys configured the transport is trusted as-is.
func (h *PushHandler) verify(r *http.Request) error {
	if h.keys == nil {
		return nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return fmt.Errorf("missing bearer token")
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(h.keys),
		jwt.WithValidate(true),
	}
	if h.issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.issuer))
	}
	if _, err := jwt.Parse([]byte(raw), opts...); err != nil {
		return fmt.Errorf("failed to parse and validate JWT token: %w", err)
	}
	return nil
}

func writePushError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	w.Write(data)
}
