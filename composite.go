package getext

import (
	"context"
	"net/http"
	"net/url"
)

// CompositeDelegate forwards every hook to an ordered list of delegates.
// The list is fixed at construction, so a CompositeDelegate is safe for
// concurrent use as long as its members are.
//
// Hooks run strictly one after another in list order. The first error
// returned by a member aborts the call and is returned as is.
type CompositeDelegate struct {
	delegates []Delegate
}

var (
	_ Delegate        = (*CompositeDelegate)(nil)
	_ EncoderProvider = (*CompositeDelegate)(nil)
	_ DecoderProvider = (*CompositeDelegate)(nil)
)

// NewCompositeDelegate returns a delegate that forwards to delegates in the
// given order. Nil entries are skipped.
func NewCompositeDelegate(delegates ...Delegate) *CompositeDelegate {
	members := make([]Delegate, 0, len(delegates))
	for _, d := range delegates {
		if d != nil {
			members = append(members, d)
		}
	}
	return &CompositeDelegate{delegates: members}
}

// Delegates returns a copy of the member list.
func (m *CompositeDelegate) Delegates() []Delegate {
	out := make([]Delegate, len(m.delegates))
	copy(out, m.delegates)
	return out
}

// Len reports the number of members.
func (m *CompositeDelegate) Len() int {
	return len(m.delegates)
}

// PrepareRequest lets every member mutate req in turn. Mutations made before
// a failing member stay applied.
func (m *CompositeDelegate) PrepareRequest(ctx context.Context, client *Client, req *http.Request) error {
	for _, d := range m.delegates {
		if err := d.PrepareRequest(ctx, client, req); err != nil {
			return err
		}
	}
	return nil
}

// ShouldRetry returns true as soon as one member votes to retry. Members
// after it are not consulted.
func (m *CompositeDelegate) ShouldRetry(ctx context.Context, client *Client, task *Task, err error, attempts int) (bool, error) {
	for _, d := range m.delegates {
		retry, hookErr := d.ShouldRetry(ctx, client, task, err, attempts)
		if hookErr != nil {
			return false, hookErr
		}
		if retry {
			return true, nil
		}
	}
	return false, nil
}

// ValidateResponse runs every member's validation.
func (m *CompositeDelegate) ValidateResponse(client *Client, resp *http.Response, data []byte, task *Task) error {
	for _, d := range m.delegates {
		if err := d.ValidateResponse(client, resp, data, task); err != nil {
			return err
		}
	}
	return nil
}

// ResolveURL returns the first non-nil URL produced by a member, or nil.
func (m *CompositeDelegate) ResolveURL(client *Client, req RequestDescriptor) (*url.URL, error) {
	for _, d := range m.delegates {
		u, err := d.ResolveURL(client, req)
		if err != nil {
			return nil, err
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, nil
}

// EncoderFor returns the first encoder offered by a member implementing
// EncoderProvider.
func (m *CompositeDelegate) EncoderFor(client *Client, req RequestDescriptor) Encoder {
	for _, d := range m.delegates {
		if p, ok := d.(EncoderProvider); ok {
			if enc := p.EncoderFor(client, req); enc != nil {
				return enc
			}
		}
	}
	return nil
}

// DecoderFor returns the first decoder offered by a member implementing
// DecoderProvider.
func (m *CompositeDelegate) DecoderFor(client *Client, req RequestDescriptor) Decoder {
	for _, d := range m.delegates {
		if p, ok := d.(DecoderProvider); ok {
			if dec := p.DecoderFor(client, req); dec != nil {
				return dec
			}
		}
	}
	return nil
}
