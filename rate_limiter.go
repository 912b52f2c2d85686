package getext

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc maps a request to the name of the bucket it draws tokens from.
type KeyFunc func(req *http.Request) string

// RateLimiter is a delegate that throttles requests with token buckets. By
// default PrepareRequest waits for a token, honouring ctx; with FailFast it
// rejects the attempt instead. Either failure matches ErrRateLimited.
type RateLimiter struct {
	NopDelegate
	limit    rate.Limit
	burst    int
	keyFunc  KeyFunc
	failFast bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Delegate = (*RateLimiter)(nil)

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// PerKey keeps one bucket per key returned by fn, e.g. DefaultHostKeyFunc.
func PerKey(fn KeyFunc) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.keyFunc = fn
	}
}

// FailFast rejects requests instead of waiting for a token.
func FailFast() RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.failFast = true
	}
}

// NewRateLimiter creates a limiter allowing bursts of maxTokens requests,
// refilled with one token every refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration, opts ...RateLimiterOption) *RateLimiter {
	limit := rate.Inf
	if refillRate > 0 {
		limit = rate.Every(refillRate)
	}
	rl := &RateLimiter{
		limit:    limit,
		burst:    maxTokens,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow reports whether a token is available in the default bucket and
// consumes it.
func (rl *RateLimiter) Allow() bool {
	return rl.limiterFor(defaultLimiterKey).Allow()
}

const defaultLimiterKey = "default"

// PrepareRequest takes a token for req from its bucket.
func (rl *RateLimiter) PrepareRequest(ctx context.Context, client *Client, req *http.Request) error {
	key := defaultLimiterKey
	if rl.keyFunc != nil {
		key = rl.keyFunc(req)
	}
	lim := rl.limiterFor(key)

	var err error
	if rl.failFast {
		if !lim.Allow() {
			err = ErrRateLimited
		}
	} else if waitErr := lim.Wait(ctx); waitErr != nil {
		err = errors.Join(ErrRateLimited, waitErr)
	}

	if client != nil {
		client.metrics.RecordRateLimiterTokens(key, lim.Tokens())
	}
	if err == nil {
		return nil
	}

	if client != nil {
		client.logf(client.debug.LogRateLimit, "Rate limited", "key", key, "endpoint", getEndpointFromRequest(req), "error", err.Error())
	}
	return &ClientError{
		Type:      ErrorTypeRateLimit,
		Message:   "rate limit exceeded",
		Cause:     err,
		RequestID: RequestIDFromContext(ctx),
		Method:    req.Method,
		URL:       req.URL.String(),
		Endpoint:  getEndpointFromRequest(req),
		Timestamp: time.Now(),
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = lim
	}
	return lim
}

// DefaultHostKeyFunc generates a key based on the request host.
func DefaultHostKeyFunc(req *http.Request) string {
	if req.URL.Host != "" {
		return "host:" + req.URL.Host
	}
	if req.Host != "" {
		return "host:" + req.Host
	}
	return "host:unknown"
}

// DefaultRouteKeyFunc generates a key based on the request method and path.
func DefaultRouteKeyFunc(req *http.Request) string {
	return "route:" + req.Method + ":" + req.URL.Path
}
