package getext

import (
	"net/http"
	"time"
)

// Middleware wraps the transport call of a single attempt. It runs after the
// delegate's PrepareRequest hook and before ValidateResponse.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option configures a Client.
type Option func(*Client)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           `koanf:"failurethreshold"`
	RecoveryTimeout  time.Duration `koanf:"recoverytimeout"`
	SuccessThreshold int           `koanf:"successthreshold"`
}

// CircuitState represents the state of the circuit breaker
type CircuitState int64

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// DebugConfig selects which parts of the request lifecycle are logged.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogDelegates bool
	LogRateLimit bool
	LogCircuit   bool
	RequestIDGen func() string
}

type contextKey string

const requestIDKey contextKey = "getext_request_id"
