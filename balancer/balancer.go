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

package balancer

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
)

// Strategy picks the endpoint for the next checkout.
type Strategy interface {
	// Pick chooses one of the candidates, which is never empty. A strategy
	// that filters out every candidate returns an error wrapping
	// rpcerr.ErrNoEndpointsAvailable. Candidates marked Saturated in snap
	// must not be picked; if only those remain, Pick returns an error
	// wrapping rpcerr.ErrSaturated.
	//
	// When used by a LoadBalancer, Pick is never called concurrently with
	// itself or with ObserveResult.
	Pick(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error)
}

// Forgetter is implemented by strategies that keep per-endpoint state.
// Forget is called when an endpoint leaves the endpoint set. Strategies
// that decorate another strategy should forward it.
type Forgetter interface {
	Forget(endpoint resolver.Endpoint)
}

// ResultObserver is implemented by strategies that learn from the outcome
// of attempts. Strategies that decorate another strategy should forward
// results to it.
type ResultObserver interface {
	ObserveResult(result Result)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error)

// Pick implements Strategy.
func (f StrategyFunc) Pick(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error) {
	return f(candidates, snap)
}

// LoadBalancer chooses endpoints with a Strategy and keeps the Tracker the
// strategy reads from. It implements the balancer interface expected by
// pool.DynamicPool.
type LoadBalancer struct {
	tracker *Tracker

	mu sync.Mutex
	// +checklocks:mu
	strategy Strategy
}

// New creates a load balancer. A nil strategy means RoundRobin.
func New(strategy Strategy) *LoadBalancer {
	if strategy == nil {
		strategy = RoundRobin()
	}
	return &LoadBalancer{
		tracker:  NewTracker(),
		strategy: strategy,
	}
}

// Choose picks one of the candidates. It fails with
// rpcerr.ErrNoEndpointsAvailable if there are no candidates or if the
// strategy filtered all of them out.
func (b *LoadBalancer) Choose(candidates []resolver.Endpoint) (resolver.Endpoint, error) {
	return b.ChooseAvailable(candidates, nil)
}

// ChooseAvailable is like Choose, but candidates for which saturated
// reports true are marked Saturated in the snapshot given to the strategy
// and are never returned. When the strategy is left with only saturated
// candidates, it fails with an error wrapping rpcerr.ErrSaturated. A nil
// saturated treats every candidate as available. It implements
// pool.Balancer.
func (b *LoadBalancer) ChooseAvailable(candidates []resolver.Endpoint, saturated func(resolver.Endpoint) bool) (resolver.Endpoint, error) {
	if len(candidates) == 0 {
		return resolver.Endpoint{}, rpcerr.ErrNoEndpointsAvailable
	}
	snap := b.tracker.Snapshot(candidates...)
	if saturated != nil {
		for _, candidate := range candidates {
			if saturated(candidate) {
				stats := snap[candidate]
				stats.Saturated = true
				snap[candidate] = stats
			}
		}
	}
	b.mu.Lock()
	endpoint, err := b.strategy.Pick(candidates, snap)
	b.mu.Unlock()
	switch {
	case err != nil && errors.Is(err, rpcerr.ErrResourceExhausted):
		return resolver.Endpoint{}, err
	case err != nil:
		return resolver.Endpoint{}, fmt.Errorf("%w: %w", rpcerr.ErrNoEndpointsAvailable, err)
	case endpoint.IsZero():
		return resolver.Endpoint{}, rpcerr.ErrNoEndpointsAvailable
	case snap[endpoint].Saturated:
		return resolver.Endpoint{}, fmt.Errorf("%w: strategy picked %s", rpcerr.ErrSaturated, endpoint)
	}
	return endpoint, nil
}

// RequestResult records the outcome of an attempt in the tracker and
// passes it on to the strategy, if it observes results.
func (b *LoadBalancer) RequestResult(result Result) {
	b.tracker.RequestResult(result)
	b.mu.Lock()
	defer b.mu.Unlock()
	if observer, ok := b.strategy.(ResultObserver); ok {
		observer.ObserveResult(result)
	}
}

// Acquired implements pool.Balancer.
func (b *LoadBalancer) Acquired(endpoint resolver.Endpoint) {
	b.tracker.Acquired(endpoint)
}

// Released implements pool.Balancer.
func (b *LoadBalancer) Released(endpoint resolver.Endpoint) {
	b.tracker.Released(endpoint)
}

// Forget implements pool.Balancer. It drops the endpoint's counters and
// any state the strategy keeps for it.
func (b *LoadBalancer) Forget(endpoint resolver.Endpoint) {
	b.tracker.Forget(endpoint)
	b.mu.Lock()
	defer b.mu.Unlock()
	if forgetter, ok := b.strategy.(Forgetter); ok {
		forgetter.Forget(endpoint)
	}
}

// Snapshot returns the counters of every known endpoint.
func (b *LoadBalancer) Snapshot() Snapshot {
	return b.tracker.Snapshot()
}

// Tracker returns the balancer's request tracker.
func (b *LoadBalancer) Tracker() *Tracker {
	return b.tracker
}

// Close stops any background work of the strategy.
func (b *LoadBalancer) Close() error {
	b.mu.Lock()
	strategy := b.strategy
	b.mu.Unlock()
	if closer, ok := strategy.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
