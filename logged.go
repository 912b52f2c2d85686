package getext

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Logged wraps next so that every hook call is logged under name. Results and
// errors are passed through untouched.
func Logged(name string, next Delegate, logger Logger) Delegate {
	return &loggedDelegate{name: name, next: next, logger: logger}
}

type loggedDelegate struct {
	name   string
	next   Delegate
	logger Logger
}

var (
	_ EncoderProvider = (*loggedDelegate)(nil)
	_ DecoderProvider = (*loggedDelegate)(nil)
)

func (l *loggedDelegate) PrepareRequest(ctx context.Context, client *Client, req *http.Request) error {
	start := time.Now()
	err := l.next.PrepareRequest(ctx, client, req)
	l.log("prepare_request", start, err, "method", req.Method, "url", req.URL.String())
	return err
}

func (l *loggedDelegate) ShouldRetry(ctx context.Context, client *Client, task *Task, cause error, attempts int) (bool, error) {
	start := time.Now()
	retry, err := l.next.ShouldRetry(ctx, client, task, cause, attempts)
	l.log("should_retry", start, err, "attempts", attempts, "retry", retry)
	return retry, err
}

func (l *loggedDelegate) ValidateResponse(client *Client, resp *http.Response, data []byte, task *Task) error {
	start := time.Now()
	err := l.next.ValidateResponse(client, resp, data, task)
	l.log("validate_response", start, err, "statusCode", resp.StatusCode, "bytes", len(data))
	return err
}

func (l *loggedDelegate) ResolveURL(client *Client, req RequestDescriptor) (*url.URL, error) {
	start := time.Now()
	u, err := l.next.ResolveURL(client, req)
	resolved := ""
	if u != nil {
		resolved = u.String()
	}
	l.log("resolve_url", start, err, "path", req.Path(), "resolved", resolved)
	return u, err
}

func (l *loggedDelegate) EncoderFor(client *Client, req RequestDescriptor) Encoder {
	if p, ok := l.next.(EncoderProvider); ok {
		return p.EncoderFor(client, req)
	}
	return nil
}

func (l *loggedDelegate) DecoderFor(client *Client, req RequestDescriptor) Decoder {
	if p, ok := l.next.(DecoderProvider); ok {
		return p.DecoderFor(client, req)
	}
	return nil
}

func (l *loggedDelegate) log(hook string, start time.Time, err error, keysAndValues ...any) {
	if l.logger == nil {
		return
	}
	fields := append([]any{"delegate", l.name, "hook", hook, "duration", time.Since(start).String()}, keysAndValues...)
	if err != nil {
		l.logger.Warn("delegate hook failed", append(fields, "error", err.Error())...)
		return
	}
	l.logger.Debug("delegate hook", fields...)
}
