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

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Balancer chooses the endpoint that services the next checkout and is told
// about checkouts and departures. *balancer.LoadBalancer implements it.
type Balancer interface {
	// ChooseAvailable picks one of the given candidates, which are all the
	// live endpoints. Those for which saturated reports true have no free
	// connection slot and must not be picked; when that leaves nothing, it
	// fails with rpcerr.ErrSaturated.
	ChooseAvailable(candidates []resolver.Endpoint, saturated func(resolver.Endpoint) bool) (resolver.Endpoint, error)
	// Acquired is called after a connection to endpoint is checked out.
	Acquired(endpoint resolver.Endpoint)
	// Released is called after a connection to endpoint is returned or
	// destroyed.
	Released(endpoint resolver.Endpoint)
	// Forget is called when endpoint leaves the endpoint set.
	Forget(endpoint resolver.Endpoint)
}

// DynamicPoolOptions configures a DynamicPool.
type DynamicPoolOptions struct {
	// MaxConnectionsPerEndpoint bounds each endpoint's child pool.
	MaxConnectionsPerEndpoint int
	// ConnectTimeout bounds the whole of Acquire: waiting for the first
	// resolution, waiting for capacity, and dialing. Zero means no bound
	// other than the caller's context.
	ConnectTimeout time.Duration
	// AcquireTimeout is how long to wait for a connection to be returned
	// when every candidate endpoint is at capacity. Zero fails fast.
	AcquireTimeout time.Duration
	// Logger receives endpoint churn at debug level and resolver errors at
	// warn level. Nil discards.
	Logger logrus.FieldLogger
}

// DynamicPool is a pool of connection pools: one child ObjectPool per
// endpoint in the current endpoint set. It tracks the set by acting as a
// resolver.Receiver.
//
// A departed endpoint's child pool is closed: its idle connections are
// destroyed right away, and connections still checked out are destroyed
// when they are released.
type DynamicPool struct {
	factory  conn.Factory
	balancer Balancer
	options  DynamicPoolOptions
	logger   logrus.FieldLogger
	clock    internal.Clock

	refresh      chan struct{}
	resolved     chan struct{}
	resolvedOnce sync.Once
	task         io.Closer

	mu sync.Mutex
	// +checklocks:mu
	endpoints []resolver.Endpoint
	// +checklocks:mu
	children map[resolver.Endpoint]*ObjectPool[conn.Conn]
	// +checklocks:mu
	owners map[conn.Conn]checkout
	// +checklocks:mu
	resolveErr error
	// +checklocks:mu
	closed bool
}

type checkout struct {
	endpoint resolver.Endpoint
	child    *ObjectPool[conn.Conn]
}

// NewDynamicPool creates a pool that dials through factory and picks
// endpoints with balancer. If res is not nil, a resolver task for target is
// started with ctx and fed into the pool; it is stopped by Close. With a
// nil resolver, the endpoint set is supplied by calling OnResolve directly.
func NewDynamicPool(
	ctx context.Context,
	res resolver.Resolver,
	target string,
	factory conn.Factory,
	balancer Balancer,
	options DynamicPoolOptions,
) *DynamicPool {
	return newDynamicPool(ctx, res, target, factory, balancer, options, internal.NewRealClock())
}

func newDynamicPool(
	ctx context.Context,
	res resolver.Resolver,
	target string,
	factory conn.Factory,
	balancer Balancer,
	options DynamicPoolOptions,
	clock internal.Clock,
) *DynamicPool {
	if options.MaxConnectionsPerEndpoint < 1 {
		options.MaxConnectionsPerEndpoint = 1
	}
	logger := options.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	pool := &DynamicPool{
		factory:  factory,
		balancer: balancer,
		options:  options,
		logger:   logger,
		clock:    clock,
		refresh:  make(chan struct{}, 1),
		resolved: make(chan struct{}),
		children: map[resolver.Endpoint]*ObjectPool[conn.Conn]{},
		owners:   map[conn.Conn]checkout{},
	}
	if res != nil {
		pool.task = res.New(ctx, target, pool, pool.refresh)
	}
	return pool
}

// OnResolve implements resolver.Receiver. New endpoints get an empty child
// pool; no connection is dialed until one is needed. An empty update is
// ignored so that a resolver hiccup does not drain the pool.
func (p *DynamicPool) OnResolve(endpoints []resolver.Endpoint) {
	if len(endpoints) == 0 {
		p.logger.Warn("resolver reported no endpoints; keeping the previous set")
		return
	}
	var departed []*ObjectPool[conn.Conn]
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	current := make(map[resolver.Endpoint]struct{}, len(endpoints))
	ordered := make([]resolver.Endpoint, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if _, dup := current[endpoint]; dup {
			continue
		}
		current[endpoint] = struct{}{}
		ordered = append(ordered, endpoint)
		if _, ok := p.children[endpoint]; !ok {
			p.children[endpoint] = newObjectPool[conn.Conn](
				connLifecycle{factory: p.factory, endpoint: endpoint},
				p.options.MaxConnectionsPerEndpoint,
				p.clock,
			)
			p.logger.WithField("endpoint", endpoint.String()).Debug("endpoint joined")
		}
	}
	var departedEndpoints []resolver.Endpoint
	for endpoint, child := range p.children {
		if _, ok := current[endpoint]; !ok {
			delete(p.children, endpoint)
			departed = append(departed, child)
			departedEndpoints = append(departedEndpoints, endpoint)
			p.logger.WithField("endpoint", endpoint.String()).Debug("endpoint left")
		}
	}
	p.endpoints = ordered
	p.resolveErr = nil
	p.mu.Unlock()

	for i, child := range departed {
		if err := child.Close(); err != nil {
			p.logger.WithError(err).WithField("endpoint", departedEndpoints[i].String()).
				Debug("error closing idle connections of departed endpoint")
		}
		p.balancer.Forget(departedEndpoints[i])
	}
	p.resolvedOnce.Do(func() { close(p.resolved) })
}

// OnResolveError implements resolver.Receiver. The error is reported by
// Acquire while no endpoint is known.
func (p *DynamicPool) OnResolveError(err error) {
	p.logger.WithError(err).Warn("resolver error")
	p.mu.Lock()
	p.resolveErr = err
	known := len(p.endpoints) > 0
	p.mu.Unlock()
	if !known {
		p.resolvedOnce.Do(func() { close(p.resolved) })
	}
}

// Acquire checks out a connection to an endpoint chosen by the balancer.
// The balancer always sees the whole live endpoint set, so strategies that
// narrow it down (subsets, dead endpoints) do so before capacity is taken
// into account; endpoints at capacity are then skipped.
//
// It fails with rpcerr.ErrNoEndpointsAvailable when the endpoint set is
// empty, with an error wrapping rpcerr.ErrSaturated when every endpoint the
// balancer may use is at capacity (unless an acquire timeout is
// configured, in which case it waits for a connection to be returned), and
// with rpcerr.ErrAcquireTimeout when the connect timeout elapses. Dial
// failures are returned as *conn.DialError.
func (p *DynamicPool) Acquire(ctx context.Context) (conn.Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, rpcerr.ErrClosed
	}
	acquireCtx := ctx
	if p.options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeoutCause(ctx, p.options.ConnectTimeout, rpcerr.ErrAcquireTimeout)
		defer cancel()
	}
	select {
	case <-p.resolved:
	case <-acquireCtx.Done():
		if ctx.Err() == nil {
			return nil, p.noEndpointsError()
		}
		return nil, context.Cause(ctx)
	}

	departed := map[resolver.Endpoint]struct{}{}
	// Endpoints found at capacity after they were chosen.
	raced := map[resolver.Endpoint]struct{}{}
	waitForCapacity := false
	for {
		live, full, err := p.candidates(departed)
		if err != nil {
			return nil, err
		}
		saturated := func(endpoint resolver.Endpoint) bool {
			if waitForCapacity {
				return false
			}
			_, isFull := full[endpoint]
			_, isRaced := raced[endpoint]
			return isFull || isRaced
		}
		endpoint, err := p.balancer.ChooseAvailable(live, saturated)
		if err != nil {
			if errors.Is(err, rpcerr.ErrSaturated) && p.options.AcquireTimeout > 0 && !waitForCapacity {
				// Let the child pool wait for a connection to come back.
				waitForCapacity = true
				continue
			}
			return nil, err
		}
		p.mu.Lock()
		child := p.children[endpoint]
		p.mu.Unlock()
		if child == nil {
			departed[endpoint] = struct{}{}
			continue
		}
		c, err := child.Acquire(acquireCtx, p.options.AcquireTimeout)
		switch {
		case err == nil:
		case errors.Is(err, rpcerr.ErrClosed):
			departed[endpoint] = struct{}{}
			continue
		case errors.Is(err, rpcerr.ErrResourceExhausted):
			raced[endpoint] = struct{}{}
			continue
		case ctx.Err() != nil:
			return nil, context.Cause(ctx)
		case acquireCtx.Err() != nil, errors.Is(err, rpcerr.ErrAcquireTimeout):
			return nil, fmt.Errorf("%w: %s", rpcerr.ErrAcquireTimeout, endpoint)
		default:
			return nil, &conn.DialError{
				Endpoint: endpoint,
				Err:      rpcerr.NewTransportError(endpoint.String(), "dial", err),
			}
		}
		p.mu.Lock()
		if current := p.children[endpoint]; current != child {
			// The endpoint left while we were dialing. The child pool is
			// closed, so this returns an error that is safe to ignore.
			p.mu.Unlock()
			_ = child.Remove(c)
			departed[endpoint] = struct{}{}
			continue
		}
		p.owners[c] = checkout{endpoint: endpoint, child: child}
		p.mu.Unlock()
		p.balancer.Acquired(endpoint)
		return c, nil
	}
}

// candidates returns the live endpoints other than departed, and the ones
// among them whose child pool is at capacity.
func (p *DynamicPool) candidates(departed map[resolver.Endpoint]struct{}) ([]resolver.Endpoint, map[resolver.Endpoint]struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, rpcerr.ErrClosed
	}
	if len(p.endpoints) == 0 {
		select {
		case p.refresh <- struct{}{}:
		default:
		}
		return nil, nil, p.noEndpointsErrorLocked()
	}
	live := make([]resolver.Endpoint, 0, len(p.endpoints))
	full := map[resolver.Endpoint]struct{}{}
	for _, endpoint := range p.endpoints {
		if _, skip := departed[endpoint]; skip {
			continue
		}
		live = append(live, endpoint)
		if !p.children[endpoint].HasCapacity() {
			full[endpoint] = struct{}{}
		}
	}
	if len(live) == 0 {
		return nil, nil, p.noEndpointsErrorLocked()
	}
	return live, full, nil
}

// Release returns a healthy connection to its endpoint's pool. If the
// endpoint has left the set, the connection is destroyed.
func (p *DynamicPool) Release(c conn.Conn) error {
	owner, err := p.disown(c)
	if err != nil {
		return err
	}
	defer p.balancer.Released(owner.endpoint)
	return owner.child.Release(c)
}

// Remove destroys a connection and frees its slot.
func (p *DynamicPool) Remove(c conn.Conn) error {
	owner, err := p.disown(c)
	if err != nil {
		return err
	}
	defer p.balancer.Released(owner.endpoint)
	return owner.child.Remove(c)
}

func (p *DynamicPool) disown(c conn.Conn) (checkout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.owners[c]
	if !ok {
		return checkout{}, ErrNotCheckedOut
	}
	delete(p.owners, c)
	return owner, nil
}

// Endpoints returns the current endpoint set, in resolution order.
func (p *DynamicPool) Endpoints() []resolver.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	endpoints := make([]resolver.Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	return endpoints
}

// Stats returns the stats of every endpoint's child pool.
func (p *DynamicPool) Stats() map[resolver.Endpoint]Stats {
	p.mu.Lock()
	children := make(map[resolver.Endpoint]*ObjectPool[conn.Conn], len(p.children))
	for endpoint, child := range p.children {
		children[endpoint] = child
	}
	p.mu.Unlock()
	stats := make(map[resolver.Endpoint]Stats, len(children))
	for endpoint, child := range children {
		stats[endpoint] = child.Stats()
	}
	return stats
}

// Close stops the resolver task and closes every child pool. Connections
// still checked out are destroyed when they are returned.
func (p *DynamicPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	children := p.children
	p.children = map[resolver.Endpoint]*ObjectPool[conn.Conn]{}
	p.mu.Unlock()

	var grp errgroup.Group
	if p.task != nil {
		grp.Go(p.task.Close)
	}
	for _, child := range children {
		grp.Go(child.Close)
	}
	return grp.Wait()
}

func (p *DynamicPool) noEndpointsError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.noEndpointsErrorLocked()
}

// +checklocks:p.mu
func (p *DynamicPool) noEndpointsErrorLocked() error {
	if p.resolveErr != nil {
		return fmt.Errorf("%w: %w", rpcerr.ErrNoEndpointsAvailable, p.resolveErr)
	}
	return rpcerr.ErrNoEndpointsAvailable
}

type connLifecycle struct {
	factory  conn.Factory
	endpoint resolver.Endpoint
}

func (l connLifecycle) Create(ctx context.Context) (conn.Conn, error) {
	return l.factory.Dial(ctx, l.endpoint)
}

func (l connLifecycle) Validate(c conn.Conn) bool {
	return c.State() == conn.StateOpen && l.factory.Validate(c)
}

func (l connLifecycle) Destroy(c conn.Conn) error {
	return c.Close()
}
