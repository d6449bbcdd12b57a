// Copyright 2025 The Go AMTP Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"golang.org/x/sync/singleflight"

	amtp "github.com/amtp-protocol/amtp-go"
)

// discoveryPrefix is the well-known DNS name holding a domain's AMTP
// discovery TXT record: _amtp.<domain>.
const discoveryPrefix = "_amtp."

// wellKnownPath is the HTTPS fallback consulted when no TXT record exists.
const wellKnownPath = "/.well-known/amtp.json"

// GatewayInfo is the capability metadata a domain's discovery record
// resolves to.
type GatewayInfo struct {
	// Endpoint is the gateway base URL.
	Endpoint string `json:"gateway"`
	// DeliveryModes lists the delivery modes the gateway supports.
	DeliveryModes []DeliveryMode `json:"modes,omitzero"`
	// Fingerprint optionally pins the gateway's public key or
	// certificate.
	Fingerprint string `json:"fingerprint,omitzero"`
}

// TXTLookupFunc looks up DNS TXT records for a name. The default is
// net.Resolver.LookupTXT; tests substitute fakes.
type TXTLookupFunc func(ctx context.Context, name string) ([]string, error)

// Resolver resolves an agent domain to its gateway capability metadata.
// Successful resolutions are cached for a bounded TTL; expired entries may
// be served within a stale-grace window when a fresh lookup fails.
// Concurrent resolutions of the same domain collapse into one lookup.
type Resolver struct {
	ttl        time.Duration
	staleGrace time.Duration
	lookupTXT  TXTLookupFunc
	httpClient *http.Client
	logger     *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]*resolverEntry
}

type resolverEntry struct {
	info       *GatewayInfo
	resolvedAt time.Time
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	TTL        time.Duration
	StaleGrace time.Duration
	LookupTXT  TXTLookupFunc
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewResolver creates a resolver with the given configuration. Zero
// fields fall back to defaults: 5m TTL, 30m stale grace, system DNS.
func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		ttl:        cfg.TTL,
		staleGrace: cfg.StaleGrace,
		lookupTXT:  cfg.LookupTXT,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		cache:      make(map[string]*resolverEntry),
	}
	if r.ttl <= 0 {
		r.ttl = 5 * time.Minute
	}
	if r.staleGrace < 0 {
		r.staleGrace = 0
	}
	if r.lookupTXT == nil {
		var resolver net.Resolver
		r.lookupTXT = resolver.LookupTXT
	}
	if r.httpClient == nil {
		r.httpClient = http.DefaultClient
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Resolve resolves domain to its gateway info, serving from cache when a
// fresh entry exists.
func (r *Resolver) Resolve(ctx context.Context, domain string) (*GatewayInfo, error) {
	domain = strings.ToLower(domain)
	now := time.Now()

	r.mu.Lock()
	entry, ok := r.cache[domain]
	r.mu.Unlock()
	if ok && now.Sub(entry.resolvedAt) < r.ttl {
		return entry.info, nil
	}

	// Collapse concurrent lookups of the same domain into one flight.
	v, err, _ := r.group.Do(domain, func() (any, error) {
		info, err := r.discover(ctx, domain)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[domain] = &resolverEntry{info: info, resolvedAt: time.Now()}
		r.mu.Unlock()
		return info, nil
	})
	if err != nil {
		// A stale entry within the grace window beats a hard failure.
		if ok && now.Sub(entry.resolvedAt) < r.ttl+r.staleGrace {
			r.logger.WarnContext(ctx, "serving stale gateway resolution",
				slog.String("domain", domain), slog.Any("error", err))
			return entry.info, nil
		}
		return nil, err
	}
	return v.(*GatewayInfo), nil
}

// Invalidate drops the cached resolution for domain.
func (r *Resolver) Invalidate(domain string) {
	r.mu.Lock()
	delete(r.cache, strings.ToLower(domain))
	r.mu.Unlock()
}

// discover performs one discovery pass: the _amtp TXT record first, the
// HTTPS well-known document as fallback.
func (r *Resolver) discover(ctx context.Context, domain string) (*GatewayInfo, error) {
	records, txtErr := r.lookupTXT(ctx, discoveryPrefix+domain)
	if txtErr == nil {
		for _, record := range records {
			info, err := parseDiscoveryRecord(record)
			if err != nil {
				continue
			}
			return info, nil
		}
		txtErr = fmt.Errorf("no usable TXT record at %s%s", discoveryPrefix, domain)
	}

	info, wkErr := r.fetchWellKnown(ctx, domain)
	if wkErr == nil {
		return info, nil
	}
	return nil, amtp.ResolutionError(domain, fmt.Errorf("txt: %w; well-known: %w", txtErr, wkErr))
}

// fetchWellKnown retrieves the HTTPS discovery document for domain.
func (r *Resolver) fetchWellKnown(ctx context.Context, domain string) (*GatewayInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+domain+wellKnownPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("well-known discovery returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	var info GatewayInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("malformed discovery document: %w", err)
	}
	if info.Endpoint == "" {
		return nil, fmt.Errorf("discovery document missing gateway endpoint")
	}
	return &info, nil
}

// parseDiscoveryRecord parses a TXT discovery record of the form
// "v=amtp1; gateway=https://gw.example.com; modes=pull,push; fp=ab:cd".
func parseDiscoveryRecord(record string) (*GatewayInfo, error) {
	info := &GatewayInfo{}
	versionSeen := false

	for _, field := range strings.Split(record, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("malformed discovery field %q", field)
		}
		switch strings.TrimSpace(key) {
		case "v":
			if strings.TrimSpace(value) != "amtp1" {
				return nil, fmt.Errorf("unsupported discovery version %q", value)
			}
			versionSeen = true
		case "gateway":
			info.Endpoint = strings.TrimSpace(value)
		case "modes":
			for _, mode := range strings.Split(value, ",") {
				switch DeliveryMode(strings.TrimSpace(mode)) {
				case DeliveryModePull:
					info.DeliveryModes = append(info.DeliveryModes, DeliveryModePull)
				case DeliveryModePush:
					info.DeliveryModes = append(info.DeliveryModes, DeliveryModePush)
				}
			}
		case "fp":
			info.Fingerprint = strings.TrimSpace(value)
		}
	}

	if !versionSeen {
		return nil, fmt.Errorf("discovery record missing v=amtp1")
	}
	if info.Endpoint == "" {
		return nil, fmt.Errorf("discovery record missing gateway endpoint")
	}
	return info, nil
}
