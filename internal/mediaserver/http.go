// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/*
http.go - Shared HTTP plumbing for the media server adapters

Every request:
  - waits on the per-server rate limiter (golang.org/x/time/rate)
  - carries the backend's auth headers
  - retries HTTP 429 with exponential backoff (1s, 2s, 4s), honouring Retry-After
  - is classified into an *Error on transport failure or non-2xx status
  - is recorded in the server request metrics
*/

package mediaserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/metrics"
)

// Options configures one adapter.
type Options struct {
	ID    string
	Type  string
	URL   string
	Token string

	// UserTokens maps account names (or IDs) to per-account tokens. Only
	// Plex needs them.
	UserTokens map[string]string

	// RequestsPerSecond paces calls to this server; 0 disables pacing.
	RequestsPerSecond float64

	// Timeout bounds a single HTTP exchange (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

const (
	maxRateLimitRetries = 3
	rateLimitBaseDelay  = time.Second
)

// request describes one call made through a transport.
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   interface{}
	header http.Header
}

type transport struct {
	server     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	authorize  func(h http.Header)
	retryDelay time.Duration
}

func newTransport(opts Options, authorize func(h http.Header)) *transport {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &transport{
		server:     opts.ID,
		baseURL:    strings.TrimSuffix(opts.URL, "/"),
		httpClient: client,
		limiter:    limiter,
		authorize:  authorize,
		retryDelay: rateLimitBaseDelay,
	}
}

// do executes req and decodes a JSON response into out when out is non-nil.
func (t *transport) do(ctx context.Context, req request, out interface{}) error {
	start := time.Now()
	err := t.exchange(ctx, req, out)

	kind := ""
	if err != nil {
		kind = KindOf(err).String()
	}
	metrics.RecordServerCall(t.server, req.op, time.Since(start), kind)
	return err
}

func (t *transport) exchange(ctx context.Context, req request, out interface{}) error {
	var payload []byte
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return newError(t.server, req.op, KindUnreachable, fmt.Errorf("encode body: %w", err))
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return newError(t.server, req.op, transportKind(err), err)
		}

		resp, err := t.send(ctx, req, payload)
		if err != nil {
			return newError(t.server, req.op, transportKind(err), err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			delay := t.retryDelay * (1 << attempt)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil && secs >= 0 {
					delay = time.Duration(secs) * time.Second
				}
			}
			drain(resp)
			logging.Warn().
				Str("server", t.server).
				Str("op", req.op).
				Dur("retry_delay", delay).
				Int("attempt", attempt+1).
				Msg("Media server rate limited (HTTP 429), retrying")
			select {
			case <-ctx.Done():
				return newError(t.server, req.op, transportKind(ctx.Err()), ctx.Err())
			case <-time.After(delay):
			}
			continue
		}

		return t.handle(req, resp, out)
	}
}

func (t *transport) send(ctx context.Context, req request, payload []byte) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, t.baseURL+req.path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if len(req.query) > 0 {
		httpReq.URL.RawQuery = req.query.Encode()
	}

	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.authorize != nil {
		t.authorize(httpReq.Header)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}

	return t.httpClient.Do(httpReq)
}

func (t *transport) handle(req request, resp *http.Response, out interface{}) error {
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return newError(t.server, req.op, statusKind(resp.StatusCode),
			fmt.Errorf("returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(t.server, req.op, KindUnreachable, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// parseTime parses the ISO timestamps Jellyfin and Emby emit, which carry
// up to seven fractional digits.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
