// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	amtp "github.com/amtp-protocol/amtp-go"
)

// DeliveryMode selects how inbound messages reach the client.
type DeliveryMode string

// Delivery modes.
const (
	// DeliveryModePull polls the gateway inbox on an interval.
	DeliveryModePull DeliveryMode = "pull"
	// DeliveryModePush receives messages through the Receive entrypoint,
	// typically wired to PushHandler.
	DeliveryModePush DeliveryMode = "push"
)

// AckPolicy controls acknowledgment of inbound messages whose handler
// failed.
type AckPolicy int

const (
	// AckOnSuccess acknowledges only successfully handled messages;
	// failures are nacked so the gateway redelivers them.
	AckOnSuccess AckPolicy = iota
	// AckAlways acknowledges every dispatched message regardless of the
	// handler outcome.
	AckAlways
)

// Option configures a Client.
type Option func(*options) error

// options holds all configuration for a Client.
type options struct {
	gatewayURL   string
	deliveryMode DeliveryMode
	apiKey       string
	tlsEnabled   bool
	httpClient   *http.Client
	logger       *slog.Logger
	registry     *amtp.SchemaRegistry
	gateway      Gateway
	journal      Journal
	interceptors []Interceptor
	pushKeys     jwk.Set
	pushIssuer   string

	connectTimeout time.Duration
	readTimeout    time.Duration

	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	pendingLimit  int
	retention     time.Duration

	pollInterval time.Duration
	pollLimit    int
	queueSize    int
	workers      int
	dedupWindow  time.Duration
	ackPolicy    AckPolicy

	resolveTTL time.Duration
	staleGrace time.Duration
	lookupTXT  TXTLookupFunc

	maxMessageSize  int
	queuePreRunning bool
}

// defaultOptions returns the client defaults. Timeouts, retry counts and
// the poll interval follow the reference AMTP SDK.
func defaultOptions() *options {
	return &options{
		deliveryMode:    DeliveryModePull,
		tlsEnabled:      true,
		logger:          slog.Default(),
		connectTimeout:  30 * time.Second,
		readTimeout:     60 * time.Second,
		maxRetries:      3,
		retryDelay:      time.Second,
		maxRetryDelay:   30 * time.Second,
		pendingLimit:    1024,
		retention:       time.Minute,
		pollInterval:    5 * time.Second,
		pollLimit:       10,
		queueSize:       256,
		workers:         4,
		dedupWindow:     10 * time.Minute,
		ackPolicy:       AckOnSuccess,
		resolveTTL:      5 * time.Minute,
		staleGrace:      30 * time.Minute,
		maxMessageSize:  10 << 20,
		queuePreRunning: true,
	}
}

// WithGatewayURL sets the gateway base URL, bypassing DNS discovery of the
// agent's own domain.
func WithGatewayURL(url string) Option {
	return func(o *options) error {
		if url == "" {
			return amtp.ValidationError("gateway URL cannot be empty", nil)
		}
		o.gatewayURL = url
		return nil
	}
}

// WithDeliveryMode selects pull or push delivery.
func WithDeliveryMode(mode DeliveryMode) Option {
	return func(o *options) error {
		if mode != DeliveryModePull && mode != DeliveryModePush {
			return amtp.ValidationError("unknown delivery mode", map[string]any{"delivery_mode": string(mode)})
		}
		o.deliveryMode = mode
		return nil
	}
}

// WithAPIKey sets the API key attached as a bearer token to every gateway
// call. The gateway may replace it at registration time.
func WithAPIKey(key string) Option {
	return func(o *options) error {
		o.apiKey = key
		return nil
	}
}

// WithTLS enables or disables TLS verification requirements on the
// gateway URL. TLS is mandatory in production configurations; disabling it
// is intended for local development gateways only.
func WithTLS(enabled bool) Option {
	return func(o *options) error {
		o.tlsEnabled = enabled
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client for gateway calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) error {
		if hc == nil {
			return amtp.ValidationError("HTTP client cannot be nil", nil)
		}
		o.httpClient = hc
		return nil
	}
}

// WithLogger sets the [*slog.Logger] used by the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return amtp.ValidationError("logger cannot be nil", nil)
		}
		o.logger = logger
		return nil
	}
}

// WithSchemaRegistry sets the schema registry that gates outbound payloads
// and advertises supported schemas at registration.
func WithSchemaRegistry(registry *amtp.SchemaRegistry) Option {
	return func(o *options) error {
		if registry == nil {
			return amtp.ValidationError("schema registry cannot be nil", nil)
		}
		o.registry = registry
		return nil
	}
}

// WithGateway replaces the HTTP gateway channel with a custom
// implementation. Used by tests and alternative transports.
func WithGateway(gw Gateway) Option {
	return func(o *options) error {
		if gw == nil {
			return amtp.ValidationError("gateway cannot be nil", nil)
		}
		o.gateway = gw
		return nil
	}
}

// WithJournal sets a persistent delivery journal. Pending deliveries found
// in the journal are re-enqueued on Start.
func WithJournal(journal Journal) Option {
	return func(o *options) error {
		if journal == nil {
			return amtp.ValidationError("journal cannot be nil", nil)
		}
		o.journal = journal
		return nil
	}
}

// WithInterceptors appends HTTP interceptors applied to every gateway
// call in registration order.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(o *options) error {
		for _, in := range interceptors {
			if in == nil {
				return amtp.ValidationError("interceptor cannot be nil", nil)
			}
		}
		o.interceptors = append(o.interceptors, interceptors...)
		return nil
	}
}

// WithPushVerification requires inbound push deliveries to carry a JWT
// signed by a key in keys; issuer, when non-empty, must match the token's
// issuer claim.
func WithPushVerification(keys jwk.Set, issuer string) Option {
	return func(o *options) error {
		if keys == nil {
			return amtp.ValidationError("push key set cannot be nil", nil)
		}
		o.pushKeys = keys
		o.pushIssuer = issuer
		return nil
	}
}

// WithConnectTimeout bounds connection establishment to the gateway.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return amtp.ValidationError("connect timeout must be positive", nil)
		}
		o.connectTimeout = d
		return nil
	}
}

// WithReadTimeout bounds every gateway call end to end. A call exceeding
// the timeout is treated as a transient transport failure.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return amtp.ValidationError("read timeout must be positive", nil)
		}
		o.readTimeout = d
		return nil
	}
}

// WithMaxRetries caps total transmission attempts per message. One
// disables retry.
func WithMaxRetries(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return amtp.ValidationError("max retries must be positive", nil)
		}
		o.maxRetries = n
		return nil
	}
}

// WithRetryDelay sets the base backoff delay between transmission
// attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return amtp.ValidationError("retry delay must be positive", nil)
		}
		o.retryDelay = d
		return nil
	}
}

// WithMaxRetryDelay caps the exponential backoff delay.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return amtp.ValidationError("max retry delay must be positive", nil)
		}
		o.maxRetryDelay = d
		return nil
	}
}

// WithPollInterval sets the inbox polling interval for pull mode.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return amtp.ValidationError("poll interval must be positive", nil)
		}
		o.pollInterval = d
		return nil
	}
}

// WithPollLimit sets the maximum number of messages fetched per poll.
func WithPollLimit(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return amtp.ValidationError("poll limit must be positive", nil)
		}
		o.pollLimit = n
		return nil
	}
}

// WithWorkQueueSize sets the capacity of the inbound work queue that
// decouples polling from handler execution. When the queue is full,
// polling pauses rather than dropping messages.
func WithWorkQueueSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return amtp.ValidationError("work queue size must be positive", nil)
		}
		o.queueSize = n
		return nil
	}
}

// WithWorkers sets the number of concurrent handler invocation slots.
func WithWorkers(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return amtp.ValidationError("worker count must be positive", nil)
		}
		o.workers = n
		return nil
	}
}

// WithDedupWindow sets how long inbound receipts are retained for
// duplicate detection.
func WithDedupWindow(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return amtp.ValidationError("dedup window must be positive", nil)
		}
		o.dedupWindow = d
		return nil
	}
}

// WithAckPolicy sets the acknowledgment policy for failed handlers.
func WithAckPolicy(p AckPolicy) Option {
	return func(o *options) error {
		if p != AckOnSuccess && p != AckAlways {
			return amtp.ValidationError("unknown ack policy", nil)
		}
		o.ackPolicy = p
		return nil
	}
}

// WithResolveTTL sets how long successful gateway resolutions are cached.
func WithResolveTTL(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return amtp.ValidationError("resolve TTL must be positive", nil)
		}
		o.resolveTTL = d
		return nil
	}
}

// WithStaleGrace sets how long an expired resolution may still be served
// when a fresh lookup fails.
func WithStaleGrace(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return amtp.ValidationError("stale grace must be non-negative", nil)
		}
		o.staleGrace = d
		return nil
	}
}

// WithTXTLookup replaces the DNS TXT lookup used for gateway discovery.
// Used by tests.
func WithTXTLookup(fn TXTLookupFunc) Option {
	return func(o *options) error {
		if fn == nil {
			return amtp.ValidationError("TXT lookup cannot be nil", nil)
		}
		o.lookupTXT = fn
		return nil
	}
}

// WithMaxMessageSize bounds the encoded size of outbound messages.
func WithMaxMessageSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return amtp.ValidationError("max message size must be positive", nil)
		}
		o.maxMessageSize = n
		return nil
	}
}

// WithQueuePreRunning controls sends before the client reaches Running:
// when true (the default) they are queued and flushed on Start, when false
// they fail with a not-running error.
func WithQueuePreRunning(queue bool) Option {
	return func(o *options) error {
		o.queuePreRunning = queue
		return nil
	}
}
