// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"net/http"
)

// Invoker represents the next handler in an interceptor chain.
type Invoker func(ctx context.Context, req *http.Request) (*http.Response, error)

// Interceptor is middleware around every HTTP call the gateway channel
// makes. Interceptors run in registration order.
type Interceptor func(ctx context.Context, req *http.Request, invoker Invoker) (*http.Response, error)

// chainInterceptors chains interceptors around invoker, right to left so
// the first registered interceptor is the outermost.
func chainInterceptors(interceptors []Interceptor, invoker Invoker) Invoker {
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := invoker
		invoker = func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return interceptor(ctx, req, next)
		}
	}
	return invoker
}

// LoggingInterceptor logs every gateway request and its outcome at debug
// level.
func LoggingInterceptor(logger *slog.Logger) Interceptor {
	return func(ctx context.Context, req *http.Request, invoker Invoker) (*http.Response, error) {
		logger.DebugContext(ctx, "gateway request", slog.String("method", req.Method), slog.String("url", req.URL.String()))

		resp, err := invoker(ctx, req)
		if err != nil {
			logger.DebugContext(ctx, "gateway request failed", slog.String("url", req.URL.String()), slog.Any("error", err))
			return nil, err
		}

		logger.DebugContext(ctx, "gateway response", slog.String("url", req.URL.String()), slog.Int("status", resp.StatusCode))
		return resp, nil
	}
}
