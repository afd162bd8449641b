// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpclb_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/rpclb"
	"github.com/bufbuild/rpclb/balancer"
	"github.com/bufbuild/rpclb/caller"
	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/bufbuild/rpclb/transport"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

//nolint:gochecknoglobals
var (
	endpointA = resolver.MustParseEndpoint("10.0.0.1:9090")
	endpointB = resolver.MustParseEndpoint("10.0.0.2:9090")
	endpointC = resolver.MustParseEndpoint("10.0.0.3:9090")
)

type HelloRequest struct {
	Name string `json:"name"`
}

type HelloReply struct {
	Message string `json:"message"`
}

type GreeterClient interface {
	Hello(ctx context.Context, req *HelloRequest) (*HelloReply, error)
}

type GreeterAsyncClient interface {
	Hello(ctx context.Context, req *HelloRequest, reply *HelloReply) *caller.Future
}

type greeterClient struct {
	caller caller.Caller
}

func (c *greeterClient) Hello(ctx context.Context, req *HelloRequest) (*HelloReply, error) {
	reply := &HelloReply{}
	if err := c.caller.Invoke(ctx, "Hello", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

type greeterAsyncClient struct {
	caller caller.AsyncCaller
}

func (c *greeterAsyncClient) Hello(ctx context.Context, req *HelloRequest, reply *HelloReply) *caller.Future {
	return c.caller.InvokeAsync(ctx, "Hello", req, reply)
}

func greeterDesc() *rpclb.ServiceDesc {
	return &rpclb.ServiceDesc{
		ServiceName:     "Greeter",
		Methods:         []rpclb.MethodDesc{{Name: "Hello"}},
		ClientType:      (*GreeterClient)(nil),
		AsyncClientType: (*GreeterAsyncClient)(nil),
		NewClient: func(c caller.Caller) any {
			return &greeterClient{caller: c}
		},
		NewAsyncClient: func(c caller.AsyncCaller) any {
			return &greeterAsyncClient{caller: c}
		},
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(greet)
	asyncConfig := rpclb.DefaultConfig()
	asyncConfig.NonBlocking = true
	badConfig := rpclb.DefaultConfig()
	badConfig.Retries = -1
	defaults := []rpclb.ClientOption{
		rpclb.WithStaticEndpoints(endpointA),
		rpclb.WithConnFactory(backend),
	}
	testCases := []struct {
		name    string
		desc    func(*rpclb.ServiceDesc)
		options []rpclb.ClientOption
	}{
		{name: "empty_name", desc: func(d *rpclb.ServiceDesc) { d.ServiceName = "" }},
		{name: "no_methods", desc: func(d *rpclb.ServiceDesc) { d.Methods = nil }},
		{name: "unnamed_method", desc: func(d *rpclb.ServiceDesc) { d.Methods = []rpclb.MethodDesc{{}} }},
		{name: "duplicate_method", desc: func(d *rpclb.ServiceDesc) { d.Methods = append(d.Methods, rpclb.MethodDesc{Name: "Hello"}) }},
		{name: "missing_constructor", desc: func(d *rpclb.ServiceDesc) { d.NewClient = nil }},
		{name: "missing_client_type", desc: func(d *rpclb.ServiceDesc) { d.ClientType = nil }},
		{name: "client_type_not_interface", desc: func(d *rpclb.ServiceDesc) { d.ClientType = (*greeterClient)(nil) }},
		{name: "client_type_not_pointer", desc: func(d *rpclb.ServiceDesc) { d.ClientType = greeterClient{} }},
		{
			name: "constructor_wrong_type",
			desc: func(d *rpclb.ServiceDesc) {
				d.NewClient = func(caller.Caller) any { return struct{}{} }
			},
		},
		{name: "constructor_returns_nil", desc: func(d *rpclb.ServiceDesc) { d.NewClient = func(caller.Caller) any { return nil } }},
		{name: "empty_static_endpoints", options: []rpclb.ClientOption{rpclb.WithStaticEndpoints()}},
		{name: "zero_static_endpoint", options: []rpclb.ClientOption{rpclb.WithStaticEndpoints(resolver.Endpoint{})}},
		{name: "no_endpoint_source", options: []rpclb.ClientOption{rpclb.WithResolver(nil, "")}},
		{name: "invalid_config", options: []rpclb.ClientOption{rpclb.WithConfig(badConfig)}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			desc := greeterDesc()
			if testCase.desc != nil {
				testCase.desc(desc)
			}
			options := append(append([]rpclb.ClientOption(nil), defaults...), testCase.options...)
			client, err := rpclb.NewClient[GreeterClient](desc, options...)
			require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
			assert.Nil(t, client)
		})
	}

	t.Run("nil_desc", func(t *testing.T) {
		t.Parallel()
		_, err := rpclb.NewClient[GreeterClient](nil, defaults...)
		require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
	})
	t.Run("no_factory_or_codec", func(t *testing.T) {
		t.Parallel()
		_, err := rpclb.NewClient[GreeterClient](greeterDesc(), rpclb.WithStaticEndpoints(endpointA))
		require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
	})
	t.Run("type_parameter_mismatch", func(t *testing.T) {
		t.Parallel()
		_, err := rpclb.NewClient[GreeterAsyncClient](greeterDesc(), defaults...)
		require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
	})
	t.Run("missing_async_constructor", func(t *testing.T) {
		t.Parallel()
		desc := greeterDesc()
		desc.NewAsyncClient = nil
		_, err := rpclb.NewClient[GreeterAsyncClient](desc, append(defaults, rpclb.WithConfig(asyncConfig))...)
		require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
	})
	t.Run("codec_only", func(t *testing.T) {
		t.Parallel()
		client, err := rpclb.NewClient[GreeterClient](greeterDesc(),
			rpclb.WithStaticEndpoints(endpointA),
			rpclb.WithCodec(transport.JSONCodec{}),
		)
		require.NoError(t, err)
		require.NoError(t, client.Close())
	})
}

func TestClientFirstAttemptSucceeds(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(greet)
	client := newTestClient(t, backend, nil, endpointA)

	reply, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", reply.Message)
	assert.Equal(t, helloCounts(1, 0, 0, 0), client.Stats())
	assert.Equal(t, []resolver.Endpoint{endpointA}, client.Endpoints())
	assert.Equal(t, int64(1), client.EndpointStats()[endpointA].Successes)
	assert.Equal(t, 1, client.PoolStats()[endpointA].Idle)
}

func TestClientZeroConfig(t *testing.T) {
	t.Parallel()

	// The zero Config is blocking, so the blocking facade is built.
	backend := newFakeBackend(greet)
	client := newTestClient(t, backend, &rpclb.Config{}, endpointA)

	reply, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "zero"})
	require.NoError(t, err)
	assert.Equal(t, "hello zero", reply.Message)
	assert.Equal(t, helloCounts(1, 0, 0, 0), client.Stats())
}

func TestClientRetriesOnAnotherEndpoint(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(func(ctx context.Context, endpoint resolver.Endpoint, method string, req, reply any) error {
		if endpoint == endpointA {
			return rpcerr.NewTransportError(endpoint.String(), "read", io.ErrUnexpectedEOF)
		}
		return greet(ctx, endpoint, method, req, reply)
	})
	config := rpclb.DefaultConfig()
	config.Retries = 1
	client := newTestClient(t, backend, &config, endpointA, endpointB)

	reply, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", reply.Message)
	assert.Equal(t, []resolver.Endpoint{endpointA, endpointB}, backend.calledEndpoints())
	assert.Equal(t, helloCounts(1, 1, 1, 0), client.Stats())
	endpointStats := client.EndpointStats()
	assert.Equal(t, int64(1), endpointStats[endpointA].Failures)
	assert.Equal(t, int64(1), endpointStats[endpointB].Successes)
	// The connection that failed is destroyed rather than reused.
	assert.Equal(t, 0, client.PoolStats()[endpointA].Idle)
	assert.Equal(t, int32(1), backend.closedConns.Load())
}

func TestClientRetriesExhausted(t *testing.T) {
	t.Parallel()

	var lastErr atomic.Pointer[error]
	backend := newFakeBackend(func(_ context.Context, endpoint resolver.Endpoint, _ string, _, _ any) error {
		err := rpcerr.NewTransportError(endpoint.String(), "write", io.ErrClosedPipe)
		lastErr.Store(&err)
		return err
	})
	config := rpclb.DefaultConfig()
	config.Retries = 2
	client := newTestClient(t, backend, &config, endpointA)

	_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.Error(t, err)
	assert.Same(t, *lastErr.Load(), err) //nolint:testifylint
	assert.Len(t, backend.calledEndpoints(), 3)
	assert.Equal(t, helloCounts(1, 3, 3, 0), client.Stats())
}

func TestClientApplicationError(t *testing.T) {
	t.Parallel()

	appErr := errors.New("no such greeting")
	backend := newFakeBackend(func(context.Context, resolver.Endpoint, string, any, any) error {
		return appErr
	})
	config := rpclb.DefaultConfig()
	config.Retries = 2
	client := newTestClient(t, backend, &config, endpointA)

	_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	assert.Same(t, appErr, err) //nolint:testifylint
	assert.Len(t, backend.calledEndpoints(), 1)
	assert.Equal(t, helloCounts(1, 1, 1, 0), client.Stats())
	assert.Equal(t, 1, client.PoolStats()[endpointA].Idle)
	// The endpoint answered, so it still counts as healthy.
	assert.Equal(t, int64(1), client.EndpointStats()[endpointA].Successes)
}

func TestClientRetryOnApplicationErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := newFakeBackend(func(ctx context.Context, endpoint resolver.Endpoint, method string, req, reply any) error {
		if calls.Add(1) == 1 {
			return errors.New("try again")
		}
		return greet(ctx, endpoint, method, req, reply)
	})
	config := rpclb.DefaultConfig()
	config.Retries = 1
	client := newTestClient(t, backend, &config, endpointA, rpclb.WithRetryOn(func(error) bool { return true }))

	reply, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "again"})
	require.NoError(t, err)
	assert.Equal(t, "hello again", reply.Message)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientPoolSaturated(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	backend := newFakeBackend(func(ctx context.Context, endpoint resolver.Endpoint, method string, req, reply any) error {
		close(entered)
		<-unblock
		return greet(ctx, endpoint, method, req, reply)
	})
	config := rpclb.DefaultConfig()
	config.MaxConnectionsPerEndpoint = 1
	config.Retries = 3
	client := newTestClient(t, backend, &config, endpointA)

	done := make(chan error, 1)
	go func() {
		_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "first"})
		done <- err
	}()
	<-entered

	_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "second"})
	require.ErrorIs(t, err, rpcerr.ErrResourceExhausted)
	assert.Len(t, backend.calledEndpoints(), 1)

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, 1, client.PoolStats()[endpointA].Idle)
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(func(ctx context.Context, _ resolver.Endpoint, _ string, _, _ any) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})
	config := rpclb.DefaultConfig()
	config.RequestTimeout = 20 * time.Millisecond
	config.Retries = 2
	client := newTestClient(t, backend, &config, endpointA)

	_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.ErrorIs(t, err, rpcerr.ErrTimeout)
	assert.Equal(t, helloCounts(1, 0, 0, 1), client.Stats())
	assert.Len(t, backend.calledEndpoints(), 1)
	require.Eventually(t, func() bool {
		return client.EndpointStats()[endpointA].Timeouts == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientRoundRobin(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(greet)
	client := newTestClient(t, backend, nil, endpointA, endpointB, endpointC)

	for range 6 {
		_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
		require.NoError(t, err)
	}
	assert.Equal(t,
		[]resolver.Endpoint{endpointA, endpointB, endpointC, endpointA, endpointB, endpointC},
		backend.calledEndpoints(),
	)
}

func TestClientMarkDead(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(func(ctx context.Context, endpoint resolver.Endpoint, method string, req, reply any) error {
		if endpoint == endpointA {
			return rpcerr.NewTransportError(endpoint.String(), "read", io.ErrUnexpectedEOF)
		}
		return greet(ctx, endpoint, method, req, reply)
	})
	strategy := balancer.MarkDead(balancer.RoundRobin(), balancer.MarkDeadConfig{Cooldown: time.Hour})
	client := newTestClient(t, backend, nil, endpointA, endpointB, rpclb.WithStrategy(strategy))

	_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.True(t, rpcerr.IsTransport(err))
	for range 4 {
		_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
		require.NoError(t, err)
	}
	assert.Equal(t,
		[]resolver.Endpoint{endpointA, endpointB, endpointB, endpointB, endpointB},
		backend.calledEndpoints(),
	)
}

func TestClientUndeclaredMethod(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(greet)
	client := newTestClient(t, backend, nil, endpointA)

	err := client.Invoke(context.Background(), "Goodbye", &HelloRequest{}, &HelloReply{})
	require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
	err = client.InvokeAsync(context.Background(), "Goodbye", &HelloRequest{}, &HelloReply{}).Wait(context.Background())
	require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
	assert.Empty(t, backend.calledEndpoints())
}

func TestClientClose(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(greet)
	client, err := rpclb.NewClient[GreeterClient](greeterDesc(),
		rpclb.WithStaticEndpoints(endpointA),
		rpclb.WithConnFactory(backend),
	)
	require.NoError(t, err)
	_, err = client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, int32(1), backend.closedConns.Load())
	_, err = client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.ErrorIs(t, err, rpcerr.ErrClosed)
}

func TestClientAsync(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := newFakeBackend(func(ctx context.Context, endpoint resolver.Endpoint, method string, req, reply any) error {
		if calls.Add(1) == 1 {
			return rpcerr.NewTransportError(endpoint.String(), "read", io.ErrUnexpectedEOF)
		}
		return greet(ctx, endpoint, method, req, reply)
	})
	config := rpclb.DefaultConfig()
	config.NonBlocking = true
	config.Retries = 1
	client, err := rpclb.NewClient[GreeterAsyncClient](greeterDesc(),
		rpclb.WithConfig(config),
		rpclb.WithStaticEndpoints(endpointA),
		rpclb.WithConnFactory(backend),
	)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, client.Close()) })

	var completions atomic.Int32
	var reply HelloReply
	future := client.Service().Hello(context.Background(), &HelloRequest{Name: "later"}, &reply)
	future.OnComplete(func(error) { completions.Add(1) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, future.Wait(ctx))
	assert.Equal(t, "hello later", reply.Message)
	assert.Equal(t, int32(1), completions.Load())
	assert.Equal(t, helloCounts(1, 1, 1, 0), client.Stats())

	// The blocking entry point works on an async client too.
	var second HelloReply
	require.NoError(t, client.Invoke(ctx, "Hello", &HelloRequest{Name: "now"}, &second))
	assert.Equal(t, "hello now", second.Message)
}

func TestClientDebug(t *testing.T) {
	t.Parallel()

	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	backend := newFakeBackend(greet)
	client := newTestClient(t, backend, nil, endpointA, rpclb.WithLogger(logger), rpclb.WithDebug())

	_, err := client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.NoError(t, err)
	var messages []string
	for _, entry := range hook.AllEntries() {
		if entry.Data["method"] == "Hello" {
			messages = append(messages, entry.Message)
			assert.Equal(t, "Greeter", entry.Data["service"])
		}
	}
	assert.Equal(t, []string{"rpc call started", "rpc call completed"}, messages)
}

func TestClientFollowsResolver(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(greet)
	res := &manualResolver{receivers: make(chan resolver.Receiver, 1)}
	client, err := rpclb.NewClient[GreeterClient](greeterDesc(),
		rpclb.WithResolver(res, "greeter.internal"),
		rpclb.WithConnFactory(backend),
	)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, client.Close()) })
	receiver := <-res.receivers

	receiver.OnResolve([]resolver.Endpoint{endpointA})
	_, err = client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.NoError(t, err)

	receiver.OnResolve([]resolver.Endpoint{endpointB})
	assert.Equal(t, []resolver.Endpoint{endpointB}, client.Endpoints())
	// The departed endpoint's idle connection is destroyed.
	assert.Equal(t, int32(1), backend.closedConns.Load())
	_, err = client.Service().Hello(context.Background(), &HelloRequest{Name: "world"})
	require.NoError(t, err)
	assert.Equal(t, []resolver.Endpoint{endpointA, endpointB}, backend.calledEndpoints())
}

func TestClientOverStreamTransport(t *testing.T) {
	t.Parallel()

	endpoint := startGreeterServer(t)
	config := rpclb.DefaultConfig()
	config.Unframed = true
	client, err := rpclb.NewClient[GreeterClient](greeterDesc(),
		rpclb.WithConfig(config),
		rpclb.WithStaticEndpoints(endpoint),
		rpclb.WithCodec(transport.JSONCodec{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, client.Close()) })

	for _, name := range []string{"one", "two", "three"} {
		reply, err := client.Service().Hello(context.Background(), &HelloRequest{Name: name})
		require.NoError(t, err)
		assert.Equal(t, "hello "+name, reply.Message)
	}
	_, err = client.Service().Hello(context.Background(), &HelloRequest{})
	var remoteErr *transport.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "name is required", remoteErr.Message)
	// Connections are reused across calls, including after an application
	// error.
	assert.Equal(t, 1, client.PoolStats()[endpoint].Idle)
	assert.Equal(t, helloCounts(4, 1, 1, 0), client.Stats())
}

func newTestClient(t *testing.T, backend *fakeBackend, config *rpclb.Config, args ...any) *rpclb.Client[GreeterClient] {
	t.Helper()
	var endpoints []resolver.Endpoint
	options := []rpclb.ClientOption{rpclb.WithConnFactory(backend)}
	if config != nil {
		options = append(options, rpclb.WithConfig(*config))
	}
	for _, arg := range args {
		switch arg := arg.(type) {
		case resolver.Endpoint:
			endpoints = append(endpoints, arg)
		case rpclb.ClientOption:
			options = append(options, arg)
		default:
			t.Fatalf("unexpected argument %T", arg)
		}
	}
	options = append(options, rpclb.WithStaticEndpoints(endpoints...))
	client, err := rpclb.NewClient[GreeterClient](greeterDesc(), options...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, client.Close()) })
	return client
}

func helloCounts(requests, errs, reconnects, timeouts int64) map[string]int64 {
	return map[string]int64{
		"Greeter_Hello_requests_events": requests,
		"Greeter_Hello_errors":          errs,
		"Greeter_Hello_reconnects":      reconnects,
		"Greeter_Hello_timeouts":        timeouts,
	}
}

func greet(_ context.Context, _ resolver.Endpoint, _ string, req, reply any) error {
	reply.(*HelloReply).Message = "hello " + req.(*HelloRequest).Name //nolint:forcetypeassert
	return nil
}

type handlerFunc func(ctx context.Context, endpoint resolver.Endpoint, method string, req, reply any) error

// fakeBackend is a connection factory whose connections call handler
// instead of doing I/O.
type fakeBackend struct {
	handler     handlerFunc
	closedConns atomic.Int32

	mu     sync.Mutex
	called []resolver.Endpoint
}

func newFakeBackend(handler handlerFunc) *fakeBackend {
	return &fakeBackend{handler: handler}
}

func (b *fakeBackend) Dial(_ context.Context, endpoint resolver.Endpoint) (conn.Conn, error) {
	return &fakeConn{endpoint: endpoint, backend: b}, nil
}

func (b *fakeBackend) Validate(c conn.Conn) bool {
	return c.State() == conn.StateOpen
}

func (b *fakeBackend) calledEndpoints() []resolver.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]resolver.Endpoint(nil), b.called...)
}

type fakeConn struct {
	endpoint resolver.Endpoint
	backend  *fakeBackend
	closed   atomic.Bool
}

func (c *fakeConn) Endpoint() resolver.Endpoint {
	return c.endpoint
}

func (c *fakeConn) Invoke(ctx context.Context, method string, req, reply any) error {
	c.backend.mu.Lock()
	c.backend.called = append(c.backend.called, c.endpoint)
	c.backend.mu.Unlock()
	return c.backend.handler(ctx, c.endpoint, method, req, reply)
}

func (c *fakeConn) State() conn.State {
	if c.closed.Load() {
		return conn.StateClosed
	}
	return conn.StateOpen
}

func (c *fakeConn) Close() error {
	if !c.closed.Swap(true) {
		c.backend.closedConns.Add(1)
	}
	return nil
}

// manualResolver hands its receiver to the test, which then pushes
// endpoint sets by hand.
type manualResolver struct {
	receivers chan resolver.Receiver
}

func (r *manualResolver) New(_ context.Context, _ string, receiver resolver.Receiver, _ <-chan struct{}) io.Closer {
	r.receivers <- receiver
	return nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// startGreeterServer serves the Hello method with unframed JSON messages.
func startGreeterServer(t *testing.T) resolver.Endpoint {
	t.Helper()
	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = listener.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer netConn.Close()
				serveGreeter(netConn)
			}()
		}
	}()
	endpoint, err := resolver.ParseEndpoint(listener.Addr().String())
	require.NoError(t, err)
	return endpoint
}

func serveGreeter(netConn net.Conn) {
	reader := bufio.NewReader(netConn)
	for {
		var req struct {
			Method string       `json:"method"`
			Params HelloRequest `json:"params"`
		}
		if err := json.NewDecoder(reader).Decode(&req); err != nil {
			return
		}
		var resp struct {
			Result *HelloReply `json:"result,omitempty"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error,omitempty"`
		}
		if req.Params.Name == "" {
			resp.Error = &struct {
				Message string `json:"message"`
			}{Message: "name is required"}
		} else {
			resp.Result = &HelloReply{Message: "hello " + req.Params.Name}
		}
		if err := json.NewEncoder(netConn).Encode(resp); err != nil {
			return
		}
	}
}
