package getext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/binaryscraping/getext/internal/backoff"
)

// Client sends requests through a Delegate: the delegate resolves URLs,
// prepares each attempt, validates responses and decides on retries. The
// client contributes transport, backoff between attempts, middleware,
// de-duplication, metrics and logging. It is safe for concurrent use.
type Client struct {
	httpClient        *http.Client
	baseURL           *url.URL
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   backoff.Strategy
	timeout           time.Duration
	delegates         []Delegate
	delegate          *CompositeDelegate
	codec             Codec
	middleware        []Middleware
	metrics           *MetricsCollector
	debug             *DebugConfig
	logger            Logger
	dedup             *singleflight.Group
	dedupKeyFunc      DeduplicationKeyFunc
	dedupCondition    DeduplicationCondition
	optionErr         error
	validationError   error
}

// New constructs a Client using the provided functional options. Delegates
// added with WithDelegate (and the delegate-backed options) are combined, in
// option order, into a CompositeDelegate. Without any delegate the client
// validates that responses carry a 2xx status.
//
// A best effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   backoff.ExponentialJitter{},
		timeout:           30 * time.Second,
		codec:             JSONCodec{},
		middleware:        []Middleware{},
		debug:             DefaultDebugConfig(),
		dedupKeyFunc:      DefaultDeduplicationKeyFunc,
		dedupCondition:    DefaultDeduplicationCondition,
	}

	for _, option := range options {
		option(client)
	}

	if client.debug == nil {
		client.debug = DefaultDebugConfig()
	}
	if len(client.delegates) == 0 {
		client.delegates = []Delegate{StatusValidator{}}
	}
	client.delegate = NewCompositeDelegate(client.delegates...)

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Delegate returns the composite delegate the client forwards hooks to.
func (c *Client) Delegate() *CompositeDelegate {
	return c.delegate
}

// BaseURL returns the base URL relative paths are resolved against, or nil.
func (c *Client) BaseURL() *url.URL {
	if c.baseURL == nil {
		return nil
	}
	u := *c.baseURL
	return &u
}

// Send executes req and decodes the response body into T.
func Send[T any](ctx context.Context, c *Client, req *Request[T]) (*Response[T], error) {
	res, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &Response[T]{
		Data:       res.data,
		StatusCode: res.resp.StatusCode,
		Header:     res.resp.Header,
		Request:    res.req,
		Attempts:   res.attempts,
		Duration:   res.duration,
	}
	if err := c.decode(req, res.data, &out.Value); err != nil {
		return out, c.createClientError(ErrorTypeDecode, "decode response body", err, RequestIDFromContext(ctx), res.req, res.attempts, res.duration)
	}
	return out, nil
}

// Data executes req and returns the raw response body.
func (c *Client) Data(ctx context.Context, req RequestDescriptor) (*Response[[]byte], error) {
	res, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Response[[]byte]{
		Value:      res.data,
		Data:       res.data,
		StatusCode: res.resp.StatusCode,
		Header:     res.resp.Header,
		Request:    res.req,
		Attempts:   res.attempts,
		Duration:   res.duration,
	}, nil
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do executes a prepared *http.Request. The delegate prepares, validates and
// retries it; URL resolution and decoding are skipped. The returned body is
// fully buffered.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx, requestID := c.ensureRequestID(req.Context())
	pristine := req.Clone(ctx)
	first := true
	build := func(ctx context.Context) (*http.Request, error) {
		if first {
			first = false
			return req.WithContext(ctx), nil
		}
		next := pristine.Clone(ctx)
		if pristine.GetBody != nil {
			body, err := pristine.GetBody()
			if err != nil {
				return nil, err
			}
			next.Body = body
		}
		return next, nil
	}

	res, err := c.run(ctx, req.Method, getEndpointFromRequest(req), requestID, build)
	if err != nil {
		return nil, err
	}
	return res.resp, nil
}

type result struct {
	resp     *http.Response
	data     []byte
	req      *http.Request
	attempts int
	duration time.Duration
}

// send resolves, encodes and runs a descriptor-based request.
func (c *Client) send(ctx context.Context, desc RequestDescriptor) (*result, error) {
	ctx, requestID := c.ensureRequestID(ctx)

	u, err := c.resolveURL(desc)
	if err != nil {
		return nil, err
	}

	body, contentType, err := c.encodeBody(desc)
	if err != nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "encode request body",
			Cause:     err,
			RequestID: requestID,
			Method:    desc.Method(),
			URL:       u.String(),
			Timestamp: time.Now(),
		}
	}

	target := u.String()
	build := func(ctx context.Context) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, desc.Method(), target, reader)
		if err != nil {
			return nil, &ClientError{Type: ErrorTypeValidation, Message: "create request", Cause: err, RequestID: requestID, Method: desc.Method(), URL: target}
		}
		for k, v := range desc.Header() {
			req.Header[k] = v
		}
		if body != nil && contentType != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	}

	return c.run(ctx, desc.Method(), endpointOf(u), requestID, build)
}

// run wraps dispatch with request level metrics.
func (c *Client) run(ctx context.Context, method, endpoint, requestID string, build func(context.Context) (*http.Request, error)) (*result, error) {
	start := time.Now()

	c.logf(c.debug.LogRequests, "Starting request", "requestID", requestID, "method", method, "endpoint", endpoint)
	c.metrics.RecordRequestStart(method, endpoint)

	res, err := c.dispatch(ctx, requestID, start, build)

	c.metrics.RecordRequestEnd(method, endpoint)
	statusCode := 0
	if res != nil {
		statusCode = res.resp.StatusCode
	}
	c.metrics.RecordRequest(method, endpoint, statusCode, time.Since(start))

	return res, err
}

// dispatch prepares the first attempt and either performs the request or,
// when de-duplication applies, joins an identical in-flight call. The shared
// call runs detached from any one caller's cancellation; each caller stops
// waiting when its own context ends.
func (c *Client) dispatch(ctx context.Context, requestID string, start time.Time, build func(context.Context) (*http.Request, error)) (*result, error) {
	first, err := c.prepare(ctx, requestID, 1, build)
	if err != nil {
		return nil, err
	}
	if c.dedup == nil || c.dedupCondition == nil || !c.dedupCondition(first) {
		return c.perform(ctx, requestID, start, first, build)
	}

	keyFunc := c.dedupKeyFunc
	if keyFunc == nil {
		keyFunc = DefaultDeduplicationKeyFunc
	}
	key := keyFunc(first)
	shared := context.WithoutCancel(ctx)

	ch := c.dedup.DoChan(key, func() (any, error) {
		return c.perform(shared, requestID, start, first.WithContext(shared), build)
	})

	select {
	case r := <-ch:
		if r.Shared {
			c.metrics.RecordDeduplicationHit(first.Method, getEndpointFromRequest(first))
			c.logf(c.debug.LogRequests, "Deduplicated request", "requestID", requestID, "dedupKey", key)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*result).copyForCaller(), nil
	case <-ctx.Done():
		c.logf(c.debug.LogRequests, "Stopped waiting for shared request", "requestID", requestID, "dedupKey", key)
		return nil, c.createClientError(ErrorTypeTimeout, "canceled while waiting for shared request", ctx.Err(), requestID, first, 1, time.Since(start))
	}
}

// prepare builds the request for attempt and runs PrepareRequest on it.
func (c *Client) prepare(ctx context.Context, requestID string, attempt int, build func(context.Context) (*http.Request, error)) (*http.Request, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.delegate.PrepareRequest(ctx, c, req); err != nil {
		c.metrics.RecordDelegateError("prepare_request", req.Method, getEndpointFromRequest(req))
		c.logf(c.debug.LogDelegates, "PrepareRequest failed", "requestID", requestID, "attempt", attempt, "error", err.Error())
		return nil, err
	}
	return req, nil
}

// perform runs attempts, starting with the prepared first request, until one
// succeeds, the delegate declines to retry, or the retry ceiling is reached.
func (c *Client) perform(ctx context.Context, requestID string, start time.Time, first *http.Request, build func(context.Context) (*http.Request, error)) (*result, error) {
	req := first
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			var err error
			if req, err = c.prepare(ctx, requestID, attempt, build); err != nil {
				return nil, err
			}
		}
		endpoint := getEndpointFromRequest(req)

		if attempt > 1 {
			c.logf(c.debug.LogRetries, "Retry attempt", "requestID", requestID, "attempt", attempt, "maxRetries", c.maxRetries, "endpoint", endpoint)
			c.metrics.RecordRetry(req.Method, endpoint, attempt-1)
		}

		task := &Task{
			ID:        uuid.NewString(),
			Request:   req,
			Attempt:   attempt,
			StartedAt: time.Now(),
		}
		data, attemptErr := c.attempt(task, requestID)
		if attemptErr == nil {
			return &result{
				resp:     task.Response,
				data:     data,
				req:      req,
				attempts: attempt,
				duration: time.Since(start),
			}, nil
		}

		retry, hookErr := c.delegate.ShouldRetry(ctx, c, task, attemptErr, attempt)
		if hookErr != nil {
			c.metrics.RecordDelegateError("should_retry", req.Method, endpoint)
			c.logf(c.debug.LogDelegates, "ShouldRetry failed", "requestID", requestID, "attempt", attempt, "error", hookErr.Error())
			return nil, hookErr
		}
		if !retry {
			return nil, attemptErr
		}
		if attempt > c.maxRetries {
			c.logf(c.debug.LogRetries, "Retry ceiling reached", "requestID", requestID, "attempts", attempt, "maxRetries", c.maxRetries)
			return nil, attemptErr
		}

		delay := c.retryDelay(task.Response, attempt-1)
		c.logf(c.debug.LogRetries, "Scheduling retry", "requestID", requestID, "attempt", attempt+1, "backoff", delay.String(), "endpoint", endpoint)
		if err := sleepContext(ctx, delay); err != nil {
			return nil, c.createClientError(ErrorTypeTimeout, "canceled while waiting to retry", err, requestID, req, attempt, time.Since(start))
		}
	}
}

// attempt sends task.Request once, buffers the body and validates the response.
func (c *Client) attempt(task *Task, requestID string) ([]byte, error) {
	req := task.Request
	endpoint := getEndpointFromRequest(req)

	resp, err := c.executeMiddleware(req)
	if err != nil {
		errType := ErrorTypeNetwork
		if isTimeout(req.Context(), err) {
			errType = ErrorTypeTimeout
		}
		c.metrics.RecordError(errType, req.Method, endpoint)
		return nil, c.createClientError(errType, "network request failed", err, requestID, req, task.Attempt, time.Since(task.StartedAt))
	}

	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	task.Response = resp
	if err != nil {
		c.metrics.RecordError(ErrorTypeNetwork, req.Method, endpoint)
		return nil, c.createClientError(ErrorTypeNetwork, "read response body", err, requestID, req, task.Attempt, time.Since(task.StartedAt))
	}

	if err := c.delegate.ValidateResponse(c, resp, data, task); err != nil {
		c.metrics.RecordDelegateError("validate_response", req.Method, endpoint)
		c.logf(c.debug.LogDelegates, "Response rejected", "requestID", requestID, "statusCode", resp.StatusCode, "error", err.Error())
		return data, err
	}
	return data, nil
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// resolveURL asks the delegate first and falls back to BaseURL + path + query.
func (c *Client) resolveURL(desc RequestDescriptor) (*url.URL, error) {
	u, err := c.delegate.ResolveURL(c, desc)
	if err != nil {
		c.metrics.RecordDelegateError("resolve_url", desc.Method(), desc.Path())
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	u, err = c.defaultURL(desc)
	if err != nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "invalid request URL",
			Cause:     err,
			Method:    desc.Method(),
			URL:       desc.Path(),
			Timestamp: time.Now(),
		}
	}
	return u, nil
}

func (c *Client) defaultURL(desc RequestDescriptor) (*url.URL, error) {
	ref, err := url.Parse(desc.Path())
	if err != nil {
		return nil, err
	}

	var u *url.URL
	switch {
	case ref.IsAbs():
		u = ref
	case c.baseURL == nil:
		return nil, fmt.Errorf("relative path %q requires a base URL", desc.Path())
	default:
		u = joinURL(c.baseURL, ref.EscapedPath())
		u.RawQuery = ref.RawQuery
	}

	addQuery(u, desc.Query())
	return u, nil
}

func addQuery(u *url.URL, extra url.Values) {
	if len(extra) == 0 {
		return
	}
	q := u.Query()
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
}

// joinURL appends an escaped path to base, keeping exactly one slash between
// segments. Escapes such as %2F survive the join.
func joinURL(base *url.URL, escapedPath string) *url.URL {
	u := *base
	u.RawQuery = ""
	u.Fragment = ""
	trimmed := strings.Trim(escapedPath, "/")
	if trimmed == "" {
		return &u
	}
	raw := strings.TrimRight(base.EscapedPath(), "/") + "/" + trimmed
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		u.Path = raw
		u.RawPath = ""
		return &u
	}
	u.Path = decoded
	u.RawPath = raw
	return &u
}

func (c *Client) encodeBody(desc RequestDescriptor) ([]byte, string, error) {
	switch v := desc.Body().(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return v, "", nil
	case string:
		return []byte(v), "text/plain; charset=utf-8", nil
	case io.Reader:
		data, err := io.ReadAll(v)
		return data, "", err
	default:
		enc := c.delegate.EncoderFor(c, desc)
		if enc == nil {
			enc = c.codec
		}
		data, err := enc.Encode(v)
		if err != nil {
			return nil, "", err
		}
		return data, enc.ContentType(), nil
	}
}

func (c *Client) decode(desc RequestDescriptor, data []byte, target any) error {
	switch t := target.(type) {
	case *[]byte:
		*t = data
		return nil
	case *string:
		*t = string(data)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	dec := c.delegate.DecoderFor(c, desc)
	if dec == nil {
		dec = c.codec
	}
	return dec.Decode(data, target)
}

func (c *Client) retryDelay(resp *http.Response, retryIndex int) time.Duration {
	if resp != nil {
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			if d > c.maxBackoff {
				return c.maxBackoff
			}
			return d
		}
	}
	return c.backoffStrategy.Calculate(retryIndex, c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ensureRequestID returns ctx carrying a request id, generating one when the
// context has none and a generator is configured.
func (c *Client) ensureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	if c.debug == nil || c.debug.RequestIDGen == nil {
		return ctx, ""
	}
	id := c.debug.RequestIDGen()
	return WithRequestID(ctx, id), id
}

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id attached to ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (c *Client) logf(category bool, msg string, keysAndValues ...any) {
	if c.debug == nil || !c.debug.Enabled || !category || c.logger == nil {
		return
	}
	c.logger.Debug(msg, keysAndValues...)
}

func (c *Client) createClientError(errorType, message string, cause error, requestID string, req *http.Request, attempt int, duration time.Duration) *ClientError {
	e := &ClientError{
		Type:       errorType,
		Message:    message,
		Cause:      cause,
		RequestID:  requestID,
		Attempt:    attempt,
		MaxRetries: c.maxRetries,
		Timestamp:  time.Now(),
		Duration:   duration,
	}
	if req != nil {
		e.Method = req.Method
		e.URL = req.URL.String()
		e.Endpoint = getEndpointFromRequest(req)
	}
	return e
}

// copyForCaller gives each de-duplicated caller its own response value and
// body reader over the shared buffer.
func (r *result) copyForCaller() *result {
	resp := *r.resp
	resp.Body = io.NopCloser(bytes.NewReader(r.data))
	out := *r
	out.resp = &resp
	return &out
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func getEndpointFromRequest(req *http.Request) string {
	return endpointOf(req.URL)
}

func endpointOf(u *url.URL) string {
	if u == nil {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)

	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
