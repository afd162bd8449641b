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

package rpclb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/bufbuild/rpclb/balancer"
	"github.com/bufbuild/rpclb/caller"
	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/pool"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/bufbuild/rpclb/stats"
	"github.com/bufbuild/rpclb/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// The target name given to the resolver of a static endpoint set.
const staticTarget = "static"

// ClientOption is an option used to customize the behavior of a client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithConfig sets the client's settings. If no WithConfig option is used,
// DefaultConfig is used.
func WithConfig(config Config) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.config = config
		opts.hasConfig = true
	})
}

// WithStaticEndpoints configures the client to use the given fixed set of
// endpoints. Building a client with an empty static set fails.
func WithStaticEndpoints(endpoints ...resolver.Endpoint) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolver = resolver.NewStaticResolver(endpoints...)
		opts.target = staticTarget
		opts.staticEndpoints = append([]resolver.Endpoint(nil), endpoints...)
		opts.static = true
	})
}

// WithResolver configures the client to get its endpoint set by resolving
// the given target with res.
func WithResolver(res resolver.Resolver, target string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolver = res
		opts.target = target
		opts.staticEndpoints = nil
		opts.static = false
	})
}

// WithConnFactory configures the client to create connections with the
// given factory. If no WithConnFactory option is used, the client uses
// the stream transport from the transport package with the codec given by
// WithCodec.
func WithConnFactory(factory conn.Factory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.factory = factory
	})
}

// WithCodec configures the codec used by the built-in stream transport.
// It is ignored when WithConnFactory is used.
func WithCodec(codec transport.Codec) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.codec = codec
	})
}

// WithStrategy configures how endpoints are picked. If no WithStrategy
// option is used, balancer.RoundRobin is used.
func WithStrategy(strategy balancer.Strategy) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.strategy = strategy
	})
}

// WithLogger configures the logger used by the client. If no WithLogger
// option is used, nothing is logged.
func WithLogger(logger logrus.FieldLogger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithStatsRegistry configures the registry in which the client keeps its
// counters. Several clients may share a registry. If no WithStatsRegistry
// option is used, each client has its own.
func WithStatsRegistry(registry *stats.Registry) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.registry = registry
	})
}

// WithRetryOn configures which errors are retried, replacing the kinds
// listed in Config.RetryOn. Timeouts, resource exhaustion, and
// cancellations are never retried.
func WithRetryOn(retryOn func(error) bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryOn = retryOn
	})
}

// WithRetryBudget limits the rate of retries across all calls of the
// client. A retry that cannot get a token is not made, and the call ends
// with the error of its last attempt.
func WithRetryBudget(limit rate.Limit, burst int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryBudget = rate.NewLimiter(limit, burst)
	})
}

// WithDebug adds the debug stage to the client's call chain, as if
// Config.Debug were set. Calls are logged at debug level to the logger
// given by WithLogger.
func WithDebug() ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.debug = true
	})
}

// WithRootContext configures the root context used for background work
// of the client, like resolving endpoints and re-probing dead ones. If no
// WithRootContext option is used, context.Background() is used.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// Client is a client of one remote service. T is the facade interface
// named by the ServiceDesc: its blocking interface, or its async one when
// the client is configured as non-blocking.
//
// A Client is safe for concurrent use.
type Client[T any] struct {
	service  T
	desc     *ServiceDesc
	methods  map[string]struct{}
	caller   caller.Caller
	async    caller.AsyncCaller
	pool     *pool.DynamicPool
	balancer *balancer.LoadBalancer
	registry *stats.Registry
	closed   atomic.Bool
}

// NewClient builds a client of the service described by desc. The
// description and the options are validated once, here; the error wraps
// rpcerr.ErrInvalidArgument if either is invalid.
//
// Background work starts right away. The client must be closed with
// Close to release its connections and stop that work.
func NewClient[T any](desc *ServiceDesc, options ...ClientOption) (*Client[T], error) {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	if err := opts.config.Validate(); err != nil {
		return nil, err
	}
	config := opts.config.withDefaults()
	if err := desc.validate(!config.NonBlocking); err != nil {
		return nil, err
	}
	if !config.NonBlocking {
		if _, err := declaredInterface(desc.ServiceName, "ClientType", desc.ClientType); err != nil {
			return nil, err
		}
	} else {
		if _, err := declaredInterface(desc.ServiceName, "AsyncClientType", desc.AsyncClientType); err != nil {
			return nil, err
		}
	}
	switch {
	case opts.static && len(opts.staticEndpoints) == 0:
		return nil, invalidArgument("service %s: static endpoint set is empty", desc.ServiceName)
	case opts.resolver == nil:
		return nil, invalidArgument("service %s: no endpoint source; use WithStaticEndpoints or WithResolver", desc.ServiceName)
	}
	for _, endpoint := range opts.staticEndpoints {
		if endpoint.IsZero() {
			return nil, invalidArgument("service %s: static endpoint set contains a zero endpoint", desc.ServiceName)
		}
	}
	factory := opts.factory
	if factory == nil {
		if opts.codec == nil {
			return nil, invalidArgument("service %s: no connection factory or codec", desc.ServiceName)
		}
		factory = transport.NewFactory(transport.Options{
			Codec:  opts.codec,
			Framed: !config.Unframed,
		})
	}

	client := &Client[T]{
		desc:     desc,
		methods:  desc.methodSet(),
		balancer: balancer.New(opts.strategy),
		registry: opts.registry,
	}
	client.pool = pool.NewDynamicPool(
		opts.rootCtx,
		opts.resolver,
		opts.target,
		factory,
		client.balancer,
		pool.DynamicPoolOptions{
			MaxConnectionsPerEndpoint: config.MaxConnectionsPerEndpoint,
			ConnectTimeout:            config.ConnectTimeout,
			AcquireTimeout:            config.AcquireTimeout,
			Logger:                    opts.logger.WithField("service", desc.ServiceName),
		},
	)
	chain := chainConfig{
		config:      config,
		service:     desc.ServiceName,
		source:      client.pool,
		recorder:    client.balancer,
		registry:    client.registry,
		logger:      opts.logger.WithField("service", desc.ServiceName),
		retryOn:     opts.retryOn,
		retryBudget: opts.retryBudget,
		debug:       config.Debug || opts.debug,
	}
	var (
		service T
		err     error
	)
	if !config.NonBlocking {
		client.caller = chain.blocking()
		client.async = caller.NewAsyncBase(client.caller)
		service, err = buildFacade[T](desc, "ClientType", desc.ClientType, func() any {
			return desc.NewClient(caller.Func(client.Invoke))
		})
	} else {
		client.async = chain.async()
		client.caller = caller.Blocking(client.async)
		service, err = buildFacade[T](desc, "AsyncClientType", desc.AsyncClientType, func() any {
			return desc.NewAsyncClient(caller.AsyncFunc(client.InvokeAsync))
		})
	}
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}
	client.service = service
	return client, nil
}

// Service returns the client's facade.
func (c *Client[T]) Service() T {
	return c.service
}

// Invoke calls the named method, blocking until the call completes. The
// method must be one the service declares.
func (c *Client[T]) Invoke(ctx context.Context, method string, req, reply any) error {
	if err := c.check(method); err != nil {
		return err
	}
	return c.caller.Invoke(ctx, method, req, reply)
}

// InvokeAsync starts a call of the named method and returns right away.
// The returned future completes exactly once, with the error of the call.
// Errors that prevent the call from starting complete it immediately.
func (c *Client[T]) InvokeAsync(ctx context.Context, method string, req, reply any) *caller.Future {
	if err := c.check(method); err != nil {
		return caller.CompletedFuture(err)
	}
	return c.async.InvokeAsync(ctx, method, req, reply)
}

// Stats returns the values of the client's counters, keyed by name, like
// "Greeter_Hello_requests_events".
func (c *Client[T]) Stats() map[string]int64 {
	return c.registry.WithPrefix(c.desc.ServiceName + "_")
}

// WriteStats writes the client's counters as "name value" lines, sorted by
// name.
func (c *Client[T]) WriteStats(w io.Writer) (int64, error) {
	return c.registry.WriteTo(w)
}

// Endpoints returns the current endpoint set.
func (c *Client[T]) Endpoints() []resolver.Endpoint {
	return c.pool.Endpoints()
}

// EndpointStats returns what the client has learned about each endpoint
// from the results of its calls.
func (c *Client[T]) EndpointStats() balancer.Snapshot {
	return c.balancer.Snapshot()
}

// PoolStats returns the number of connections kept to each endpoint.
func (c *Client[T]) PoolStats() map[resolver.Endpoint]pool.Stats {
	return c.pool.Stats()
}

// Close stops the client's background work and destroys its connections.
// Calls made after Close fail with rpcerr.ErrClosed.
func (c *Client[T]) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	var grp errgroup.Group
	grp.Go(c.pool.Close)
	grp.Go(c.balancer.Close)
	return grp.Wait()
}

func (c *Client[T]) check(method string) error {
	if c.closed.Load() {
		return rpcerr.ErrClosed
	}
	if _, ok := c.methods[method]; !ok {
		return invalidArgument("service %s has no method %q", c.desc.ServiceName, method)
	}
	return nil
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx         context.Context //nolint:containedctx
	config          Config
	hasConfig       bool
	resolver        resolver.Resolver
	target          string
	staticEndpoints []resolver.Endpoint
	static          bool
	factory         conn.Factory
	codec           transport.Codec
	strategy        balancer.Strategy
	logger          logrus.FieldLogger
	registry        *stats.Registry
	retryOn         func(error) bool
	retryBudget     *rate.Limiter
	debug           bool
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if !opts.hasConfig {
		opts.config = DefaultConfig()
	}
	if opts.logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		opts.logger = discard
	}
	if opts.registry == nil {
		opts.registry = stats.NewRegistry()
	}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", rpcerr.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
