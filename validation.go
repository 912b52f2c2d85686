package getext

import (
	"fmt"
	"net/http"
	"time"
)

const maxErrorBodyExcerpt = 512

// StatusValidator rejects responses whose status code is not acceptable.
// With a nil Acceptable func only 2xx codes pass.
type StatusValidator struct {
	NopDelegate
	Acceptable func(statusCode int) bool
}

var _ Delegate = StatusValidator{}

// ValidateResponse returns a ClientError of type ErrorTypeServer for 5xx codes
// and ErrorTypeClient for everything else that is rejected.
func (v StatusValidator) ValidateResponse(_ *Client, resp *http.Response, data []byte, task *Task) error {
	if v.accepts(resp.StatusCode) {
		return nil
	}

	errType := ErrorTypeClient
	if resp.StatusCode >= 500 {
		errType = ErrorTypeServer
	}

	e := &ClientError{
		Type:       errType,
		Message:    fmt.Sprintf("unacceptable status code %d", resp.StatusCode),
		StatusCode: resp.StatusCode,
		Body:       excerpt(data, maxErrorBodyExcerpt),
		Timestamp:  time.Now(),
	}
	if task != nil {
		e.Attempt = task.Attempt
		if task.Request != nil {
			e.Method = task.Request.Method
			e.URL = task.Request.URL.String()
			e.Endpoint = getEndpointFromRequest(task.Request)
			e.RequestID = RequestIDFromContext(task.Request.Context())
		}
	}
	return e
}

func (v StatusValidator) accepts(code int) bool {
	if v.Acceptable != nil {
		return v.Acceptable(code)
	}
	return code >= 200 && code < 300
}

func excerpt(data []byte, limit int) string {
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}
