package getext

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderXRequestID is the header RequestIDDelegate writes.
const HeaderXRequestID = "X-Request-ID"

// HeaderDelegate adds default headers to every request. Headers already set
// on the request win.
type HeaderDelegate struct {
	NopDelegate
	header http.Header
}

var _ Delegate = HeaderDelegate{}

// NewHeaderDelegate creates a HeaderDelegate from a flat map.
func NewHeaderDelegate(headers map[string]string) HeaderDelegate {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return HeaderDelegate{header: h}
}

func (d HeaderDelegate) PrepareRequest(_ context.Context, _ *Client, req *http.Request) error {
	for k, vs := range d.header {
		if _, ok := req.Header[k]; ok {
			continue
		}
		req.Header[k] = append([]string(nil), vs...)
	}
	return nil
}

// TokenSource returns the current credential for a request. It may block,
// for instance while refreshing an expired token.
type TokenSource func(ctx context.Context) (string, error)

// BearerToken is a delegate setting "Authorization: Bearer <token>" from a
// TokenSource. Errors from the source abort the request unchanged; a nil
// Source fails with ErrNoTokenSource instead of sending the request
// unauthenticated.
type BearerToken struct {
	NopDelegate
	Source TokenSource
}

var _ Delegate = BearerToken{}

func (b BearerToken) PrepareRequest(ctx context.Context, _ *Client, req *http.Request) error {
	if b.Source == nil {
		return ErrNoTokenSource
	}
	token, err := b.Source(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// RequestIDDelegate stamps each request with an id header. It reuses the id
// carried by the context and generates one otherwise.
type RequestIDDelegate struct {
	NopDelegate
	Header   string
	Generate func() string
}

var _ Delegate = RequestIDDelegate{}

// NewRequestIDDelegate writes X-Request-ID using random UUIDs.
func NewRequestIDDelegate() RequestIDDelegate {
	return RequestIDDelegate{Header: HeaderXRequestID, Generate: uuid.NewString}
}

func (d RequestIDDelegate) PrepareRequest(ctx context.Context, _ *Client, req *http.Request) error {
	header := d.Header
	if header == "" {
		header = HeaderXRequestID
	}
	if req.Header.Get(header) != "" {
		return nil
	}

	id := RequestIDFromContext(ctx)
	if id == "" {
		gen := d.Generate
		if gen == nil {
			gen = uuid.NewString
		}
		id = gen()
	}
	req.Header.Set(header, id)
	return nil
}
