package getext

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

func fastRetries() []Option {
	return []Option{
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(5 * time.Millisecond),
	}
}

func TestNewDefaults(t *testing.T) {
	client := New()

	require.NotNil(t, client)
	assert.True(t, client.IsValid())
	assert.Equal(t, 3, client.maxRetries)
	assert.Equal(t, 100*time.Millisecond, client.initialBackoff)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
	require.Equal(t, 1, client.Delegate().Len())
	assert.IsType(t, StatusValidator{}, client.Delegate().Delegates()[0])
}

func TestNewKeepsDelegateOrder(t *testing.T) {
	a := &delegateMock{name: "a"}
	b := &delegateMock{name: "b"}
	client := New(WithDelegate(a), WithStatusValidation(), WithDelegate(b))

	members := client.Delegate().Delegates()
	require.Len(t, members, 3)
	assert.Same(t, a, members[0])
	assert.IsType(t, StatusValidator{}, members[1])
	assert.Same(t, b, members[2])
}

func TestClientGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	resp, err := New().Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
}

func TestClientPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	resp, err := New().Post(context.Background(), server.URL, "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestDefaultDelegateRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer server.Close()

	_, err := New().Get(context.Background(), server.URL)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeClient, clientErr.Type)
	assert.Equal(t, http.StatusNotFound, clientErr.StatusCode)
	assert.Equal(t, "missing", clientErr.Body)
}

func TestSendDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/42", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("view"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"name":"Ada"}`))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))
	require.True(t, client.IsValid())

	res, err := Send(context.Background(), client, Get[user]("/users/42").WithQuery("view", "full"))

	require.NoError(t, err)
	assert.Equal(t, user{ID: 42, Name: "Ada"}, res.Value)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, res.Attempts)
	assert.JSONEq(t, `{"id":42,"name":"Ada"}`, string(res.Data))
}

func TestSendEncodesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"id":0,"name":"Grace"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7,"name":"Grace"}`))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL))
	res, err := Send(context.Background(), client, Post[user]("users", user{Name: "Grace"}))

	require.NoError(t, err)
	assert.Equal(t, 7, res.Value.ID)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestSendUsesDelegateResolvedURL(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	api, err := NewBaseURL(server.URL, "api/v1")
	require.NoError(t, err)
	fallback := &delegateMock{name: "fallback"}

	client := New(WithDelegate(api, fallback), WithBaseURL("https://unused.example.com"))
	_, err = Send(context.Background(), client, Get[map[string]any]("users"))

	require.NoError(t, err)
	assert.Equal(t, "/api/v1/users", gotPath)
	assert.False(t, fallback.resolveCalled)
}

func TestSendRelativePathWithoutBaseURL(t *testing.T) {
	_, err := Send(context.Background(), New(), Get[user]("users"))

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeValidation, clientErr.Type)
}

func TestSendDecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	res, err := Send(context.Background(), New(), Get[user](server.URL))

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeDecode, clientErr.Type)
	require.NotNil(t, res)
	assert.Equal(t, "not json", string(res.Data))
}

func TestSendRawTargets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`plain text`))
	}))
	defer server.Close()

	client := New()
	s, err := Send(context.Background(), client, Get[string](server.URL))
	require.NoError(t, err)
	assert.Equal(t, "plain text", s.Value)

	b, err := client.Data(context.Background(), Get[struct{}](server.URL))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain text"), b.Value)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer server.Close()

	opts := append(fastRetries(), WithStatusValidation(), WithRetryPolicy(3))
	res, err := Send(context.Background(), New(opts...), Get[user](server.URL))

	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestSendDoesNotRetryPost(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opts := append(fastRetries(), WithStatusValidation(), WithRetryPolicy(3))
	_, err := Send(context.Background(), New(opts...), Post[user](server.URL, user{}))

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeServer, clientErr.Type)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRetryCeilingCapsDelegates(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	always := DelegateFuncs{Retry: func(context.Context, *Client, *Task, error, int) (bool, error) { return true, nil }}
	opts := append(fastRetries(), WithMaxRetries(2), WithStatusValidation(), WithDelegate(always))
	_, err := New(opts...).Get(context.Background(), server.URL)

	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestPrepareRequestErrorIsReturnedUnchanged(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	denied := errors.New("denied")
	client := New(WithDelegate(&delegateMock{name: "auth", prepareErr: denied}))
	_, err := client.Get(context.Background(), server.URL)

	assert.Same(t, denied, err)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestValidateResponseErrorIsReturnedUnchanged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	invalid := errors.New("schema mismatch")
	client := New(WithDelegate(&delegateMock{name: "schema", validateErr: invalid}))
	_, err := Send(context.Background(), client, Get[user](server.URL))

	assert.Same(t, invalid, err)
}

func TestShouldRetryErrorIsReturnedUnchanged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	hookErr := errors.New("retry store unavailable")
	client := New(WithStatusValidation(), WithDelegate(&delegateMock{name: "retry", retryErr: hookErr}))
	_, err := client.Get(context.Background(), server.URL)

	assert.Same(t, hookErr, err)
}

func TestResolveURLErrorIsReturnedUnchanged(t *testing.T) {
	routeErr := errors.New("no route")
	client := New(WithDelegate(&delegateMock{name: "router", resolveErr: routeErr}))

	_, err := Send(context.Background(), client, Get[user]("users"))

	assert.Same(t, routeErr, err)
}

func TestTransportErrorIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := server.URL
	server.Close()

	var sawResponse atomic.Bool
	observer := DelegateFuncs{Retry: func(_ context.Context, _ *Client, task *Task, _ error, _ int) (bool, error) {
		sawResponse.Store(task.Response != nil)
		return false, nil
	}}
	_, err := New(WithDelegate(observer)).Get(context.Background(), addr)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeNetwork, clientErr.Type)
	assert.True(t, IsTransient(err))
	assert.False(t, sawResponse.Load())
}

func TestDoReplaysBodyOnRetry(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	retryOnce := DelegateFuncs{Retry: func(_ context.Context, _ *Client, _ *Task, _ error, attempts int) (bool, error) {
		return attempts < 2, nil
	}}
	opts := append(fastRetries(), WithStatusValidation(), WithDelegate(retryOnce))
	resp, err := New(opts...).Post(context.Background(), server.URL, "text/plain", strings.NewReader("payload"))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := New(
		WithInitialBackoff(time.Second),
		WithMaxBackoff(time.Second),
		WithStatusValidation(),
		WithRetryPolicy(3),
	)
	start := time.Now()
	_, err := client.Get(ctx, server.URL)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeTimeout, clientErr.Type)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRetryAfterHeaderIsHonoured(t *testing.T) {
	client := New(WithMaxBackoff(2 * time.Second))

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"1"}}}
	assert.Equal(t, time.Second, client.retryDelay(resp, 0))

	resp.Header.Set("Retry-After", "120")
	assert.Equal(t, 2*time.Second, client.retryDelay(resp, 0))
}

func TestMiddlewareRunsAfterPrepareRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("X-Seen")))
	}))
	defer server.Close()

	prepare := DelegateFuncs{Prepare: func(_ context.Context, _ *Client, req *http.Request) error {
		req.Header.Set("X-Token", "abc")
		return nil
	}}
	middleware := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		req.Header.Set("X-Seen", req.Header.Get("X-Token"))
		return next.RoundTrip(req)
	}

	res, err := New(WithDelegate(prepare), WithMiddleware(middleware)).Data(context.Background(), Get[[]byte](server.URL))

	require.NoError(t, err)
	assert.Equal(t, "abc", string(res.Value))
}

func TestRequestIDPropagatesToHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get(HeaderXRequestID)))
	}))
	defer server.Close()

	client := New(WithDelegate(NewRequestIDDelegate()))
	ctx := WithRequestID(context.Background(), "req-123")

	res, err := Send(ctx, client, Get[string](server.URL))

	require.NoError(t, err)
	assert.Equal(t, "req-123", res.Value)
}

func TestYAMLCodecDelegate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/yaml", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	client := New(WithDelegate(NewCodecDelegate(YAMLCodec{})))
	res, err := Send(context.Background(), client, Put[user](server.URL, user{ID: 3, Name: "Linus"}))

	require.NoError(t, err)
	assert.Equal(t, user{ID: 3, Name: "Linus"}, res.Value)
	assert.Contains(t, string(res.Data), "name: Linus")
}

func TestDeduplicationSharesInFlightGet(t *testing.T) {
	var hits int32
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			close(started)
		}
		<-release
		_, _ = w.Write([]byte("shared"))
	}))
	defer server.Close()

	client := New(WithDeduplication())

	var wg sync.WaitGroup
	bodies := make([]string, 2)
	call := func(i int) {
		defer wg.Done()
		res, err := client.Data(context.Background(), Get[[]byte](server.URL))
		if assert.NoError(t, err) {
			bodies[i] = string(res.Value)
		}
	}

	wg.Add(2)
	go call(0)
	<-started
	go call(1)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, []string{"shared", "shared"}, bodies)
}

type tokenKey struct{}

func TestDeduplicationSeparatesCallersByHeaders(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
		request func(ctx context.Context, token string) *Request[string]
	}{
		{
			name: "request header",
			request: func(_ context.Context, token string) *Request[string] {
				return Get[string]("me").WithHeader("Authorization", token)
			},
		},
		{
			name: "header added by delegate",
			options: []Option{WithDelegate(BearerToken{Source: func(ctx context.Context) (string, error) {
				return ctx.Value(tokenKey{}).(string), nil
			}})},
			request: func(context.Context, string) *Request[string] {
				return Get[string]("me")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				time.Sleep(100 * time.Millisecond)
				_, _ = w.Write([]byte(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")))
			}))
			defer server.Close()

			client := New(append(tt.options, WithBaseURL(server.URL), WithDeduplication())...)

			var wg sync.WaitGroup
			tokens := []string{"alice", "bob"}
			seen := make([]string, len(tokens))
			for i, token := range tokens {
				i, token := i, token
				wg.Add(1)
				go func() {
					defer wg.Done()
					ctx := context.WithValue(context.Background(), tokenKey{}, token)
					res, err := Send(ctx, client, tt.request(ctx, token))
					if assert.NoError(t, err) {
						seen[i] = res.Value
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, tokens, seen)
			assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
		})
	}
}

func TestDeduplicationWaiterStopsOnOwnContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() { close(started) })
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer server.Close()
	defer close(release)

	client := New(WithDeduplication())

	leaderDone := make(chan error, 1)
	go func() {
		_, err := client.Data(context.Background(), Get[[]byte](server.URL))
		leaderDone <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	begin := time.Now()
	_, err := client.Data(ctx, Get[[]byte](server.URL))

	assert.Less(t, time.Since(begin), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeTimeout, clientErr.Type)

	select {
	case err := <-leaderDone:
		t.Fatalf("leader returned early: %v", err)
	default:
	}
}

func TestDeduplicationLeaderCancelDoesNotFailWaiters(t *testing.T) {
	var hits int32
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			close(started)
		}
		<-release
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New(WithDeduplication())

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := client.Data(leaderCtx, Get[[]byte](server.URL))
		leaderDone <- err
	}()
	<-started

	type outcome struct {
		body string
		err  error
	}
	waiterDone := make(chan outcome, 1)
	go func() {
		res, err := client.Data(context.Background(), Get[[]byte](server.URL))
		if err != nil {
			waiterDone <- outcome{err: err}
			return
		}
		waiterDone <- outcome{body: string(res.Value)}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leaderDone, context.Canceled)

	close(release)
	got := <-waiterDone
	require.NoError(t, got.err)
	assert.Equal(t, "ok", got.body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDeduplicationCondition(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	client := New(WithDeduplication(), WithDeduplicationCondition(func(*http.Request) bool { return false }))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Data(context.Background(), Get[[]byte](server.URL))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestSendKeepsEscapedPathSegments(t *testing.T) {
	var requestURI string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestURI = r.RequestURI
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	client := New(WithBaseURL(server.URL + "/api"))
	_, err := client.Data(context.Background(), Get[[]byte]("files/a%2Fb"))

	require.NoError(t, err)
	assert.Equal(t, "/api/files/a%2Fb", requestURI)
}

func TestInvalidConfigurationIsReported(t *testing.T) {
	client := New(WithBaseURL("::not a url"), WithMaxRetries(-1), WithBackoffStrategy("fibonacci"))

	assert.False(t, client.IsValid())
	var clientErr *ClientError
	require.ErrorAs(t, client.ValidationError(), &clientErr)
	assert.Equal(t, ErrorTypeValidation, clientErr.Type)
}

func TestEndpointOf(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://example.com", "example.com/"},
		{"https://example.com/", "example.com/"},
		{"https://example.com/api/v1?x=1", "example.com/api/v1"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, endpointOf(u), tt.raw)
	}
	assert.Equal(t, "unknown", endpointOf(nil))
}
