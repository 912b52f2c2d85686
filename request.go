package getext

import (
	"net/http"
	"net/url"
	"reflect"
	"time"
)

// RequestDescriptor is the type-erased view of a Request. Delegates receive
// it so they can inspect a request without knowing its response type.
type RequestDescriptor interface {
	Method() string
	// Path is either an absolute URL or a path relative to the base URL.
	Path() string
	Query() url.Values
	Header() http.Header
	Body() any
	ID() string
	// ResponseType is the Go type the response body is decoded into.
	ResponseType() reflect.Type
}

// Request describes an API call whose response decodes into T. Requests are
// immutable: the With* methods return modified copies.
type Request[T any] struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   any
	id     string
}

var _ RequestDescriptor = (*Request[struct{}])(nil)

// NewRequest creates a request for method and path.
func NewRequest[T any](method, path string) *Request[T] {
	return &Request[T]{method: method, path: path}
}

// Get creates a GET request.
func Get[T any](path string) *Request[T] {
	return NewRequest[T](http.MethodGet, path)
}

// Post creates a POST request carrying body.
func Post[T any](path string, body any) *Request[T] {
	return NewRequest[T](http.MethodPost, path).WithBody(body)
}

// Put creates a PUT request carrying body.
func Put[T any](path string, body any) *Request[T] {
	return NewRequest[T](http.MethodPut, path).WithBody(body)
}

// Delete creates a DELETE request.
func Delete[T any](path string) *Request[T] {
	return NewRequest[T](http.MethodDelete, path)
}

func (r *Request[T]) Method() string { return r.method }

func (r *Request[T]) Path() string { return r.path }

// Query returns a copy of the query parameters.
func (r *Request[T]) Query() url.Values {
	out := make(url.Values, len(r.query))
	for k, v := range r.query {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Header returns a copy of the request headers.
func (r *Request[T]) Header() http.Header {
	if r.header == nil {
		return http.Header{}
	}
	return r.header.Clone()
}

func (r *Request[T]) Body() any { return r.body }

func (r *Request[T]) ID() string { return r.id }

func (r *Request[T]) ResponseType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// WithQuery returns a copy with key=value added to the query.
func (r *Request[T]) WithQuery(key, value string) *Request[T] {
	c := r.clone()
	if c.query == nil {
		c.query = url.Values{}
	}
	c.query.Add(key, value)
	return c
}

// WithHeader returns a copy with the header key set to value.
func (r *Request[T]) WithHeader(key, value string) *Request[T] {
	c := r.clone()
	if c.header == nil {
		c.header = http.Header{}
	}
	c.header.Set(key, value)
	return c
}

// WithBody returns a copy carrying body.
func (r *Request[T]) WithBody(body any) *Request[T] {
	c := r.clone()
	c.body = body
	return c
}

// WithID returns a copy tagged with id, used in logs and metrics.
func (r *Request[T]) WithID(id string) *Request[T] {
	c := r.clone()
	c.id = id
	return c
}

func (r *Request[T]) clone() *Request[T] {
	c := *r
	c.query = r.Query()
	if r.header != nil {
		c.header = r.header.Clone()
	}
	return &c
}

// Response is the decoded result of a request.
type Response[T any] struct {
	Value      T
	Data       []byte
	StatusCode int
	Header     http.Header
	// Request is the request as sent on the final attempt.
	Request  *http.Request
	Attempts int
	Duration time.Duration
}
