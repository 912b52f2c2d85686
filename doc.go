// Package getext is an HTTP API client driven by delegates.
//
// A Delegate decides how each request is addressed, prepared, validated and
// retried. Several delegates are combined with a CompositeDelegate, which
// calls them in order:
//
//   - PrepareRequest runs every member; the first error aborts.
//   - ShouldRetry stops at the first member voting to retry.
//   - ValidateResponse runs every member; the first error aborts.
//   - ResolveURL returns the first non-nil URL.
//
// Errors returned by members are passed back to the caller unchanged.
//
// The package ships delegates for status validation, retries, circuit
// breaking, rate limiting, base URLs, headers, request ids and codecs. The
// Client adds transport, backoff between retries, middleware, request
// de-duplication, Prometheus metrics and zerolog based debug logging.
//
// Typical usage:
//
//	api, _ := getext.NewBaseURL("https://api.example.com", "api/v1")
//	client := getext.New(
//	    getext.WithDelegate(api, getext.NewRequestIDDelegate()),
//	    getext.WithCircuitBreaker(getext.CircuitBreakerConfig{}),
//	    getext.WithStatusValidation(),
//	    getext.WithRetryPolicy(3),
//	)
//	res, err := getext.Send(ctx, client, getext.Get[User]("users/42"))
//
// Configuration can also be loaded from YAML and GETEXT_ environment
// variables with LoadConfig and applied with NewFromConfig.
package getext
