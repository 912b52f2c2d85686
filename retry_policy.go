package getext

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// RetryPolicy is a delegate that votes to retry idempotent requests failing
// with transient errors. It only implements ShouldRetry; the client applies
// backoff between attempts.
type RetryPolicy struct {
	NopDelegate
	maxRetries   int
	isIdempotent func(method string) bool
	retryIf      func(err error) bool
	budget       *RetryBudget
}

// RetryPolicyOption configures a RetryPolicy.
type RetryPolicyOption func(*RetryPolicy)

// WithIdempotencyCheck replaces DefaultIsIdempotent.
func WithIdempotencyCheck(fn func(method string) bool) RetryPolicyOption {
	return func(p *RetryPolicy) {
		if fn != nil {
			p.isIdempotent = fn
		}
	}
}

// WithRetryIf replaces IsTransient as the error classifier.
func WithRetryIf(fn func(err error) bool) RetryPolicyOption {
	return func(p *RetryPolicy) {
		if fn != nil {
			p.retryIf = fn
		}
	}
}

// WithRetryBudget caps retries across all requests sharing budget.
func WithRetryBudget(budget *RetryBudget) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.budget = budget
	}
}

// NewRetryPolicy creates a policy allowing up to maxRetries retries per request.
func NewRetryPolicy(maxRetries int, opts ...RetryPolicyOption) *RetryPolicy {
	p := &RetryPolicy{
		maxRetries:   maxRetries,
		isIdempotent: DefaultIsIdempotent,
		retryIf:      IsTransient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRetries reports the per-request retry limit.
func (p *RetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry implements Delegate. Exhausting the retry budget fails the
// request with ErrRetryBudgetExceeded.
func (p *RetryPolicy) ShouldRetry(ctx context.Context, client *Client, task *Task, err error, attempts int) (bool, error) {
	if attempts > p.maxRetries || ctx.Err() != nil {
		return false, nil
	}
	if task == nil || task.Request == nil || !p.isIdempotent(task.Request.Method) {
		return false, nil
	}
	if !p.retryIf(err) {
		return false, nil
	}

	if p.budget != nil && !p.budget.Allow() {
		endpoint := getEndpointFromRequest(task.Request)
		if client != nil {
			client.metrics.RecordRetryBudgetExceeded(endpoint)
		}
		return false, &ClientError{
			Type:      ErrorTypeRetryBudgetExceeded,
			Message:   "retry budget exhausted",
			Cause:     errors.Join(ErrRetryBudgetExceeded, err),
			RequestID: RequestIDFromContext(ctx),
			Method:    task.Request.Method,
			URL:       task.Request.URL.String(),
			Endpoint:  endpoint,
			Attempt:   attempts,
			Timestamp: time.Now(),
		}
	}
	return true, nil
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget limits the number of retries allowed within a rolling window.
// It is lock-free and may be shared between policies and clients.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns retries used in the current window, the window limit and the
// window start.
func (rb *RetryBudget) Stats() (current, limit int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
