package getext

import (
	"fmt"
	"net/url"
	"path"
)

// BaseURL is a delegate that resolves relative request paths against a fixed
// base URL and optional path prefix, e.g. "https://api.example.com" + "api/v1".
// Absolute request paths are left to the next delegate, as is every path
// when the BaseURL was not built by NewBaseURL.
type BaseURL struct {
	NopDelegate
	base *url.URL
}

var _ Delegate = BaseURL{}

// NewBaseURL parses raw and joins any prefix segments onto its path.
func NewBaseURL(raw string, prefix ...string) (BaseURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return BaseURL{}, fmt.Errorf("parse base URL: %w", err)
	}
	if !u.IsAbs() {
		return BaseURL{}, fmt.Errorf("base URL %q is not absolute", raw)
	}
	if len(prefix) > 0 {
		u = joinURL(u, (&url.URL{Path: path.Join(prefix...)}).EscapedPath())
	}
	return BaseURL{base: u}, nil
}

// URL returns a copy of the resolved base, or nil for the zero value.
func (b BaseURL) URL() *url.URL {
	if b.base == nil {
		return nil
	}
	u := *b.base
	return &u
}

// ResolveURL implements Delegate.
func (b BaseURL) ResolveURL(_ *Client, req RequestDescriptor) (*url.URL, error) {
	if b.base == nil {
		return nil, nil
	}
	ref, err := url.Parse(req.Path())
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return nil, nil
	}
	u := joinURL(b.base, ref.EscapedPath())
	u.RawQuery = ref.RawQuery
	addQuery(u, req.Query())
	return u, nil
}
