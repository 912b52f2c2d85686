package getext

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Delegate customizes how a Client prepares, retries, validates and addresses
// requests. Every hook may be a no-op; embed NopDelegate to implement only the
// hooks you need.
//
// PrepareRequest and ShouldRetry may block (rate limiting, token refresh) and
// must honour ctx. ValidateResponse and ResolveURL are synchronous.
type Delegate interface {
	// PrepareRequest mutates req in place before it is sent.
	PrepareRequest(ctx context.Context, client *Client, req *http.Request) error

	// ShouldRetry decides whether the failed attempt described by task is
	// retried. attempts counts the attempts made so far, starting at 1.
	ShouldRetry(ctx context.Context, client *Client, task *Task, err error, attempts int) (bool, error)

	// ValidateResponse inspects a received response and its fully read body.
	// A non-nil error fails the attempt.
	ValidateResponse(client *Client, resp *http.Response, data []byte, task *Task) error

	// ResolveURL returns the URL for req, or nil to let the client build it.
	ResolveURL(client *Client, req RequestDescriptor) (*url.URL, error)
}

// EncoderProvider is implemented by delegates that choose how request bodies
// are encoded. A nil Encoder means no preference.
type EncoderProvider interface {
	EncoderFor(client *Client, req RequestDescriptor) Encoder
}

// DecoderProvider is implemented by delegates that choose how response bodies
// are decoded. A nil Decoder means no preference.
type DecoderProvider interface {
	DecoderFor(client *Client, req RequestDescriptor) Decoder
}

// Task describes a single attempt of a request.
type Task struct {
	ID        string
	Request   *http.Request
	Response  *http.Response // nil when the transport failed
	Attempt   int
	StartedAt time.Time
}

// NopDelegate implements every hook as a no-op.
type NopDelegate struct{}

var _ Delegate = NopDelegate{}

func (NopDelegate) PrepareRequest(context.Context, *Client, *http.Request) error { return nil }

func (NopDelegate) ShouldRetry(context.Context, *Client, *Task, error, int) (bool, error) {
	return false, nil
}

func (NopDelegate) ValidateResponse(*Client, *http.Response, []byte, *Task) error { return nil }

func (NopDelegate) ResolveURL(*Client, RequestDescriptor) (*url.URL, error) { return nil, nil }

// DelegateFuncs adapts plain functions to Delegate. Nil fields behave like
// NopDelegate.
type DelegateFuncs struct {
	Prepare  func(ctx context.Context, client *Client, req *http.Request) error
	Retry    func(ctx context.Context, client *Client, task *Task, err error, attempts int) (bool, error)
	Validate func(client *Client, resp *http.Response, data []byte, task *Task) error
	Resolve  func(client *Client, req RequestDescriptor) (*url.URL, error)
}

var _ Delegate = DelegateFuncs{}

func (f DelegateFuncs) PrepareRequest(ctx context.Context, client *Client, req *http.Request) error {
	if f.Prepare == nil {
		return nil
	}
	return f.Prepare(ctx, client, req)
}

func (f DelegateFuncs) ShouldRetry(ctx context.Context, client *Client, task *Task, err error, attempts int) (bool, error) {
	if f.Retry == nil {
		return false, nil
	}
	return f.Retry(ctx, client, task, err, attempts)
}

func (f DelegateFuncs) ValidateResponse(client *Client, resp *http.Response, data []byte, task *Task) error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(client, resp, data, task)
}

func (f DelegateFuncs) ResolveURL(client *Client, req RequestDescriptor) (*url.URL, error) {
	if f.Resolve == nil {
		return nil, nil
	}
	return f.Resolve(client, req)
}

// ResolveURL asks d for the URL of a typed request. It is the type-parametric
// entry point to Delegate.ResolveURL.
func ResolveURL[T any](d Delegate, client *Client, req *Request[T]) (*url.URL, error) {
	return d.ResolveURL(client, req)
}
