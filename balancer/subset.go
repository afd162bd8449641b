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
	"io"
	"sort"

	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/resolver"
)

// SubsetConfig configures the Subset strategy.
type SubsetConfig struct {
	// Size is the number of candidates to keep. If there are no more
	// candidates than this, all of them are used.
	Size int
	// SelectionKey seeds the selection. Clients using the same key select
	// the same subset of a given candidate list; using a distinct key per
	// client (a hostname, for example) spreads clients across endpoints.
	SelectionKey string
}

// Subset decorates inner so that it only ever sees a deterministic subset
// of the candidates, selected with rendezvous hashing: each candidate is
// ranked by the MurmurHash3 of the selection key and its "host:port"
// string, and the Size highest ranks are kept. Removing an endpoint only
// moves the clients that had it in their subset. The subset preserves the
// order of the candidate list.
func Subset(inner Strategy, config SubsetConfig) Strategy {
	if config.Size < 1 {
		config.Size = 1
	}
	return &subset{inner: inner, config: config, key: []byte(config.SelectionKey)}
}

type subset struct {
	inner  Strategy
	config SubsetConfig
	key    []byte
}

type rankedEndpoint struct {
	index int
	rank  uint32
}

func (s *subset) Pick(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error) {
	return s.inner.Pick(s.Select(candidates), snap)
}

// Select returns the subset of candidates this strategy delegates to.
func (s *subset) Select(candidates []resolver.Endpoint) []resolver.Endpoint {
	if len(candidates) <= s.config.Size {
		return candidates
	}
	ranked := make([]rankedEndpoint, len(candidates))
	for i, candidate := range candidates {
		ranked[i] = rankedEndpoint{
			index: i,
			rank:  internal.Murmur3(0, s.key, []byte(candidate.String())),
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rank != ranked[j].rank {
			return ranked[i].rank > ranked[j].rank
		}
		return ranked[i].index < ranked[j].index
	})
	ranked = ranked[:s.config.Size]
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].index < ranked[j].index
	})
	selected := make([]resolver.Endpoint, len(ranked))
	for i, entry := range ranked {
		selected[i] = candidates[entry.index]
	}
	return selected
}

func (s *subset) ObserveResult(result Result) {
	if observer, ok := s.inner.(ResultObserver); ok {
		observer.ObserveResult(result)
	}
}

func (s *subset) Forget(endpoint resolver.Endpoint) {
	if forgetter, ok := s.inner.(Forgetter); ok {
		forgetter.Forget(endpoint)
	}
}

func (s *subset) Close() error {
	if closer, ok := s.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
