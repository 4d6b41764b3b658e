// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package rest is the request/response transport of a single audio node.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/lavapool/internal/log"
	"github.com/ManuGH/lavapool/internal/metrics"
	"github.com/ManuGH/lavapool/internal/protocol"
	"github.com/ManuGH/lavapool/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// APIVersion is the REST path prefix spoken by supported nodes.
const APIVersion = "v4"

// Options configures the client behavior.
type Options struct {
	Timeout        time.Duration
	MaxRetries     int // applies to GET requests only
	Backoff        time.Duration
	MaxBackoff     time.Duration
	RateLimit      rate.Limit
	RateLimitBurst int
	UserAgent      string
	HTTPClient     *http.Client
}

const (
	defaultTimeout        = 10 * time.Second
	defaultRetries        = 1
	defaultBackoff        = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultRateLimit      = 50
	defaultRateLimitBurst = 100
)

// Client talks to the REST API of one node. It is safe for concurrent use.
type Client struct {
	node       string
	baseURL    string
	password   string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	userAgent  string

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu        sync.RWMutex
	sessionID string

	calls atomic.Int64
}

// New creates a client for the node reachable at baseURL (scheme://host:port).
func New(node, baseURL, password string, opts Options) *Client {
	nopts := normalizeOptions(opts)
	httpClient := nopts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: nopts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}

	return &Client{
		node:       node,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		password:   password,
		http:       httpClient,
		limiter:    rate.NewLimiter(nopts.RateLimit, nopts.RateLimitBurst),
		maxRetries: nopts.MaxRetries,
		backoff:    nopts.Backoff,
		maxBackoff: nopts.MaxBackoff,
		userAgent:  nopts.UserAgent,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "lavapool"
	}
	return opts
}

// SetSessionID stores the session id negotiated on the socket.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// SessionID returns the negotiated session id, empty before ready.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Calls returns the number of remote calls issued so far.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// BaseURL returns the node REST root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type call struct {
	op     string
	method string
	route  string // templated path for metrics and spans
	path   string
	query  url.Values
	body   any
	out    any
	raw    *[]byte // receives the undecoded body when set
}

// do issues the call and returns the final HTTP status. A 204 leaves out untouched.
func (c *Client) do(ctx context.Context, cl call) (int, error) {
	c.calls.Add(1)

	var payload []byte
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return 0, &Error{Sentinel: ErrBadResponse, Node: c.node, Operation: cl.op, Err: fmt.Errorf("encode body: %w", err)}
		}
		payload = b
	}

	u := c.baseURL + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}

	tracer := telemetry.Tracer("lavapool.rest")
	ctx, span := tracer.Start(ctx, "lavapool.rest."+cl.op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.HTTPAttributes(cl.method, cl.route, cl.route, 0)...)
	span.SetAttributes(telemetry.NodeAttributes(c.node, "")...)
	defer span.End()

	maxAttempts := 1
	if cl.method == http.MethodGet {
		maxAttempts = c.maxRetries + 1
	}

	requestID := uuid.NewString()
	logger := log.WithComponentFromContext(log.ContextWithRequestID(ctx, requestID), "rest")

	var (
		resp   *http.Response
		err    error
		status int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return 0, &Error{Sentinel: ErrUnavailable, Node: c.node, Operation: cl.op, Err: err}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, rerr := http.NewRequestWithContext(ctx, cl.method, u, body)
		if rerr != nil {
			return 0, &Error{Sentinel: ErrUnavailable, Node: c.node, Operation: cl.op, Err: rerr}
		}
		c.applyHeaders(req, requestID, payload != nil)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		start := time.Now()
		resp, err = c.http.Do(req)
		duration := time.Since(start)

		status = 0
		if resp != nil {
			status = resp.StatusCode
		}
		retry := attempt < maxAttempts && shouldRetry(status, err)
		metrics.ObserveRESTAttempt(c.node, cl.method, cl.route, status, duration, err, retry)

		if !retry {
			break
		}
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		logger.Debug().
			Str(log.FieldNode, c.node).
			Str(log.FieldEvent, "rest.retry").
			Str("route", cl.route).
			Int(log.FieldAttempt, attempt).
			Int("status", status).
			Err(err).
			Msg("retrying node request")

		if serr := sleepWithContext(ctx, c.backoffFor(attempt-1)); serr != nil {
			span.RecordError(serr)
			span.SetStatus(codes.Error, serr.Error())
			return 0, &Error{Sentinel: ErrUnavailable, Node: c.node, Operation: cl.op, Err: serr}
		}
	}

	span.SetAttributes(attribute.Int(telemetry.HTTPStatusCodeKey, status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, &Error{Sentinel: ErrUnavailable, Node: c.node, Operation: cl.op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return status, &Error{Sentinel: ErrUnavailable, Node: c.node, Operation: cl.op, Status: status, Err: err}
	}

	if status >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(status))
		e := &Error{Sentinel: sentinelForStatus(status), Node: c.node, Operation: cl.op, Status: status}
		var body protocol.ErrorResponse
		if json.Unmarshal(data, &body) == nil && body.Message != "" {
			e.Message = body.Message
		} else if len(data) > 0 {
			e.Message = truncate(string(data), 256)
		}
		return status, e
	}
	span.SetStatus(codes.Ok, "")

	if status == http.StatusNoContent {
		return status, nil
	}
	if cl.raw != nil {
		*cl.raw = data
	}
	if cl.out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, cl.out); err != nil {
			return status, &Error{Sentinel: ErrBadResponse, Node: c.node, Operation: cl.op, Status: status, Err: err}
		}
	}
	return status, nil
}

func (c *Client) applyHeaders(req *http.Request, requestID string, hasBody bool) {
	req.Header.Set("Authorization", c.password)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		return true
	}
	return status >= http.StatusInternalServerError
}

func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.backoff * time.Duration(1<<attempt)
	if wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	c.rndMu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(wait/5 + 1)))
	c.rndMu.Unlock()
	return wait + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
