package getext

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// CircuitBreaker is a delegate that stops requests after repeated failures.
// Transport failures and 5xx responses count as failures. While open,
// PrepareRequest fails fast with ErrCircuitOpen; after RecoveryTimeout the
// breaker lets requests through half-open and closes again after
// SuccessThreshold successes.
//
// Place the breaker ahead of retry and validation delegates in a
// CompositeDelegate. Later members do not see a ShouldRetry call once an
// earlier one votes to retry, nor a response an earlier one rejected.
type CircuitBreaker struct {
	NopDelegate
	name        string
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
}

var _ Delegate = (*CircuitBreaker)(nil)

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return NewNamedCircuitBreaker("default", config)
}

// NewNamedCircuitBreaker creates a circuit breaker reported under name in metrics.
func NewNamedCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  int64(StateClosed),
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// PrepareRequest rejects the attempt while the breaker is open.
func (cb *CircuitBreaker) PrepareRequest(ctx context.Context, client *Client, req *http.Request) error {
	if cb.Allow() {
		cb.report(client)
		return nil
	}
	if client != nil {
		client.logf(client.debug.LogCircuit, "Circuit breaker open", "breaker", cb.name, "endpoint", getEndpointFromRequest(req))
	}
	return &ClientError{
		Type:      ErrorTypeCircuitOpen,
		Message:   "circuit breaker is open",
		Cause:     ErrCircuitOpen,
		RequestID: RequestIDFromContext(ctx),
		Method:    req.Method,
		URL:       req.URL.String(),
		Endpoint:  getEndpointFromRequest(req),
		Timestamp: time.Now(),
	}
}

// ShouldRetry records transport failures. It never votes to retry.
func (cb *CircuitBreaker) ShouldRetry(_ context.Context, client *Client, task *Task, _ error, _ int) (bool, error) {
	if task != nil && task.Response == nil {
		cb.RecordFailure()
		cb.report(client)
	}
	return false, nil
}

// ValidateResponse records the outcome of a received response. It never
// rejects a response.
func (cb *CircuitBreaker) ValidateResponse(client *Client, resp *http.Response, _ []byte, _ *Task) error {
	if resp.StatusCode >= 500 {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	cb.report(client)
	return nil
}

// Allow checks if the request should be allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() bool {
	now := time.Now().UnixNano()

	switch cb.State() {
	case StateClosed:
		return true
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if now-lastFailure >= int64(cb.config.RecoveryTimeout) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
				return true
			}
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, time.Now().UnixNano())

	switch cb.State() {
	case StateClosed:
		if atomic.AddInt64(&cb.failures, 1) >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateOpen))
		}
	case StateHalfOpen:
		// a single failure while probing reopens the circuit
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.state, int64(StateOpen))
		atomic.StoreInt64(&cb.successes, 0)
	}
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateHalfOpen:
		if atomic.AddInt64(&cb.successes, 1) >= int64(cb.config.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
		}
	}
}

func (cb *CircuitBreaker) report(client *Client) {
	if client == nil {
		return
	}
	client.metrics.RecordCircuitBreakerState(cb.name, cb.State())
}
