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
	"fmt"
	"math/rand"
	randv2 "math/rand/v2"
	"sync/atomic"

	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
)

// available drops the saturated candidates.
func available(candidates []resolver.Endpoint, snap Snapshot) ([]resolver.Endpoint, error) {
	var saturated int
	for _, candidate := range candidates {
		if snap[candidate].Saturated {
			saturated++
		}
	}
	switch saturated {
	case 0:
		return candidates, nil
	case len(candidates):
		return nil, fmt.Errorf("%w: all %d candidates", rpcerr.ErrSaturated, saturated)
	}
	result := make([]resolver.Endpoint, 0, len(candidates)-saturated)
	for _, candidate := range candidates {
		if !snap[candidate].Saturated {
			result = append(result, candidate)
		}
	}
	return result, nil
}

// RoundRobin returns a strategy that cycles through the candidates in
// the order given, regardless of outcomes. With a stable candidate list
// [A, B, C] it picks A, B, C, A, B, C, and so on.
func RoundRobin() Strategy {
	strategy := &roundRobin{}
	strategy.counter.Store(-1)
	return strategy
}

type roundRobin struct {
	// +checkatomic
	counter atomic.Int64
}

func (r *roundRobin) Pick(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error) {
	candidates, err := available(candidates, snap)
	if err != nil {
		return resolver.Endpoint{}, err
	}
	return candidates[uint64(r.counter.Add(1))%uint64(len(candidates))], nil
}

// Random returns a strategy that picks uniformly among the candidates.
func Random() Strategy {
	return StrategyFunc(func(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error) {
		candidates, err := available(candidates, snap)
		if err != nil {
			return resolver.Endpoint{}, err
		}
		return candidates[randv2.IntN(len(candidates))], nil //nolint:gosec // does not need to be cryptographically secure
	})
}

// LeastConnected returns a strategy that picks the candidate with the
// fewest checked-out connections. Ties are broken round-robin among the
// tied candidates.
func LeastConnected() Strategy {
	return &leastConnected{}
}

type leastConnected struct {
	// +checkatomic
	counter atomic.Uint64
}

func (l *leastConnected) Pick(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error) {
	candidates, err := available(candidates, snap)
	if err != nil {
		return resolver.Endpoint{}, err
	}
	tied := make([]resolver.Endpoint, 0, len(candidates))
	least := int64(-1)
	for _, candidate := range candidates {
		inFlight := snap[candidate].InFlight
		switch {
		case least < 0 || inFlight < least:
			least = inFlight
			tied = append(tied[:0], candidate)
		case inFlight == least:
			tied = append(tied, candidate)
		}
	}
	return tied[(l.counter.Add(1)-1)%uint64(len(tied))], nil
}

// PowerOfTwo returns a strategy that draws two candidates at random and
// picks the one with fewer checked-out connections. This takes advantage
// of the [power of two random choices] without scanning every candidate.
//
// The strategy is not safe for concurrent use on its own; the load
// balancer serializes calls to it.
//
// [power of two random choices]: http://www.eecs.harvard.edu/~michaelm/postscripts/handbook2001.pdf
func PowerOfTwo() Strategy {
	return &powerOfTwo{rng: internal.NewRand()}
}

type powerOfTwo struct {
	rng *rand.Rand
}

func (p *powerOfTwo) Pick(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error) {
	candidates, err := available(candidates, snap)
	if err != nil {
		return resolver.Endpoint{}, err
	}
	first := candidates[p.rng.Intn(len(candidates))]
	second := candidates[p.rng.Intn(len(candidates))]
	if snap[second].InFlight < snap[first].InFlight {
		return second, nil
	}
	return first, nil
}
