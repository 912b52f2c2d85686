package getext

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/binaryscraping/getext/internal/backoff"
)

// WithDelegate appends delegates to the client's composite delegate. Order
// across all delegate-backed options is preserved.
func WithDelegate(delegates ...Delegate) Option {
	return func(c *Client) {
		c.delegates = append(c.delegates, delegates...)
	}
}

// WithBaseURL sets the URL relative request paths are resolved against when
// no delegate resolves the URL. An unparsable value is reported by
// ValidateConfiguration.
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			c.baseURL = nil
			c.optionErr = fmt.Errorf("invalid base URL %q", raw)
			return
		}
		c.baseURL = u
	}
}

// WithMaxRetries caps the number of retries a delegate can request.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the backoff multiplier
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.backoffMultiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithBackoffStrategy selects the backoff algorithm by name: "exponential",
// "decorrelated" or "constant".
func WithBackoffStrategy(name string) Option {
	return func(c *Client) {
		s, err := backoff.Parse(name)
		if err != nil {
			c.optionErr = err
			return
		}
		c.backoffStrategy = s
	}
}

// WithTimeout sets the request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		if c.httpClient != nil && c.timeout != 0 {
			c.httpClient.Timeout = c.timeout
		}
	}
}

// WithCodec replaces the default JSON codec used when no delegate provides an
// encoder or decoder.
func WithCodec(codec Codec) Option {
	return func(c *Client) {
		c.codec = codec
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithRetryPolicy appends a RetryPolicy delegate that retries idempotent
// requests failing with transient errors, up to maxRetries times.
func WithRetryPolicy(maxRetries int) Option {
	return func(c *Client) {
		c.delegates = append(c.delegates, NewRetryPolicy(maxRetries))
		if maxRetries > c.maxRetries {
			c.maxRetries = maxRetries
		}
	}
}

// WithCircuitBreaker appends a CircuitBreaker delegate. Pass it before
// WithRetryPolicy and WithStatusValidation: ShouldRetry stops at the first
// delegate that votes to retry and ValidateResponse at the first rejection,
// so a breaker placed after them misses the failures they handle.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.delegates = append(c.delegates, NewCircuitBreaker(config))
	}
}

// WithRateLimiter appends a RateLimiter delegate allowing maxTokens requests
// in a burst, refilled one token per refillRate.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.delegates = append(c.delegates, NewRateLimiter(maxTokens, refillRate))
	}
}

// WithUserAgent appends a HeaderDelegate setting User-Agent to ua, or to
// UserAgent() when ua is empty.
func WithUserAgent(ua string) Option {
	if ua == "" {
		ua = UserAgent()
	}
	return WithDelegate(NewHeaderDelegate(map[string]string{"User-Agent": ua}))
}

// WithStatusValidation appends a StatusValidator accepting 2xx responses.
func WithStatusValidation() Option {
	return func(c *Client) {
		c.delegates = append(c.delegates, StatusValidator{})
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// WithDeduplication merges concurrent identical requests into one in-flight
// call. By default GET, HEAD and OPTIONS requests are eligible and requests
// are identical when method, URL and headers match after the first attempt
// was prepared.
func WithDeduplication() Option {
	return func(c *Client) {
		c.dedup = &singleflight.Group{}
	}
}

// WithDeduplicationKeyFunc sets a custom deduplication key function
func WithDeduplicationKeyFunc(fn DeduplicationKeyFunc) Option {
	return func(c *Client) {
		c.dedupKeyFunc = fn
	}
}

// WithDeduplicationCondition sets a custom deduplication condition function
func WithDeduplicationCondition(fn DeduplicationCondition) Option {
	return func(c *Client) {
		c.dedupCondition = fn
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	if c.optionErr != nil {
		errors = append(errors, c.optionErr.Error())
	}
	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateDelegateConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateHTTPClientConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.maxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}
	if c.initialBackoff <= 0 {
		errors = append(errors, "initialBackoff must be positive")
	}
	if c.maxBackoff < c.initialBackoff {
		errors = append(errors, "maxBackoff must be greater than or equal to initialBackoff")
	}
	if c.backoffMultiplier <= 0 {
		errors = append(errors, "backoffMultiplier must be positive")
	}
	if c.jitter < 0 || c.jitter > 1 {
		errors = append(errors, "jitter must be between 0 and 1")
	}
	if c.timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}
	if c.backoffStrategy == nil {
		errors = append(errors, "backoff strategy must be set")
	}

	return errors
}

func (c *Client) validateDelegateConfig() []string {
	var errors []string

	for i, d := range c.delegates {
		if d == nil {
			errors = append(errors, fmt.Sprintf("delegate[%d] cannot be nil", i))
		}
	}
	if c.codec == nil {
		errors = append(errors, "codec cannot be nil")
	}

	return errors
}

func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled && c.logger == nil {
		errors = append(errors, "logger must be set when debug is enabled")
	}

	return errors
}

func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

func (c *Client) validateHTTPClientConfig() []string {
	var errors []string

	if c.httpClient == nil {
		errors = append(errors, "HTTP client cannot be nil")
	}

	return errors
}

func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.maxRetries > 100 {
		errors = append(errors, "maxRetries > 100 may cause excessive resource usage")
	}
	if c.initialBackoff > 10*time.Minute {
		errors = append(errors, "initialBackoff > 10m may cause very long delays")
	}
	if c.maxBackoff > 1*time.Hour {
		errors = append(errors, "maxBackoff > 1h may cause extremely long delays")
	}
	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}

	return errors
}
