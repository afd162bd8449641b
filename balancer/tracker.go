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
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpclb/resolver"
)

// Outcome is the result of one attempt as seen by the endpoint.
type Outcome int

const (
	// OutcomeSuccess means the endpoint answered. Application errors are
	// successes from the point of view of endpoint health.
	OutcomeSuccess Outcome = iota
	// OutcomeFailed means the attempt failed at the transport level.
	OutcomeFailed
	// OutcomeTimeout means the attempt's deadline elapsed.
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the outcome of one attempt against one endpoint.
type Result struct {
	Endpoint resolver.Endpoint
	Outcome  Outcome
	Latency  time.Duration
}

// EndpointStats are the accumulated counters for one endpoint.
type EndpointStats struct {
	Successes           int64
	Failures            int64
	Timeouts            int64
	ConsecutiveFailures int64
	// InFlight is the number of connections to the endpoint that are
	// currently checked out.
	InFlight     int64
	TotalLatency time.Duration
	// Saturated is set in the snapshot passed to Strategy.Pick when every
	// connection slot of the endpoint is taken. Strategies that pick an
	// endpoint, rather than narrow the candidates down, skip it.
	Saturated bool
}

// MeanLatency is the average latency over every recorded result.
func (s EndpointStats) MeanLatency() time.Duration {
	total := s.Successes + s.Failures + s.Timeouts
	if total == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(total)
}

// Snapshot holds the stats of a set of endpoints. Endpoints without any
// recorded activity map to the zero EndpointStats.
type Snapshot map[resolver.Endpoint]EndpointStats

// Tracker records per-endpoint outcomes. All methods are safe for
// concurrent use and do not block one another: counters are atomics, so a
// snapshot taken during concurrent updates is only eventually consistent.
type Tracker struct {
	entries sync.Map // resolver.Endpoint -> *trackerEntry
}

type trackerEntry struct {
	successes    atomic.Int64
	failures     atomic.Int64
	timeouts     atomic.Int64
	consecutive  atomic.Int64
	inFlight     atomic.Int64
	totalLatency atomic.Int64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RequestResult records the outcome of one completed attempt.
func (t *Tracker) RequestResult(result Result) {
	entry := t.entry(result.Endpoint)
	entry.totalLatency.Add(int64(result.Latency))
	switch result.Outcome {
	case OutcomeSuccess:
		entry.successes.Add(1)
		entry.consecutive.Store(0)
	case OutcomeFailed:
		entry.failures.Add(1)
		entry.consecutive.Add(1)
	case OutcomeTimeout:
		entry.timeouts.Add(1)
		entry.consecutive.Add(1)
	}
}

// Acquired increments the in-flight count of endpoint.
func (t *Tracker) Acquired(endpoint resolver.Endpoint) {
	t.entry(endpoint).inFlight.Add(1)
}

// Released decrements the in-flight count of endpoint. It is a no-op for
// an endpoint that has been forgotten.
func (t *Tracker) Released(endpoint resolver.Endpoint) {
	if value, ok := t.entries.Load(endpoint); ok {
		entry := value.(*trackerEntry) //nolint:errcheck,forcetypeassert
		if entry.inFlight.Add(-1) < 0 {
			entry.inFlight.Store(0)
		}
	}
}

// Forget drops the counters of an endpoint that left the endpoint set.
func (t *Tracker) Forget(endpoint resolver.Endpoint) {
	t.entries.Delete(endpoint)
}

// Stats returns the counters of one endpoint.
func (t *Tracker) Stats(endpoint resolver.Endpoint) EndpointStats {
	value, ok := t.entries.Load(endpoint)
	if !ok {
		return EndpointStats{}
	}
	return value.(*trackerEntry).load() //nolint:errcheck,forcetypeassert
}

// Snapshot returns the counters of the given endpoints, or of every known
// endpoint when none are given.
func (t *Tracker) Snapshot(endpoints ...resolver.Endpoint) Snapshot {
	if len(endpoints) > 0 {
		snap := make(Snapshot, len(endpoints))
		for _, endpoint := range endpoints {
			snap[endpoint] = t.Stats(endpoint)
		}
		return snap
	}
	snap := Snapshot{}
	t.entries.Range(func(key, value any) bool {
		snap[key.(resolver.Endpoint)] = value.(*trackerEntry).load() //nolint:errcheck,forcetypeassert
		return true
	})
	return snap
}

func (t *Tracker) entry(endpoint resolver.Endpoint) *trackerEntry {
	if value, ok := t.entries.Load(endpoint); ok {
		return value.(*trackerEntry) //nolint:errcheck,forcetypeassert
	}
	value, _ := t.entries.LoadOrStore(endpoint, &trackerEntry{})
	return value.(*trackerEntry) //nolint:errcheck,forcetypeassert
}

func (e *trackerEntry) load() EndpointStats {
	return EndpointStats{
		Successes:           e.successes.Load(),
		Failures:            e.failures.Load(),
		Timeouts:            e.timeouts.Load(),
		ConsecutiveFailures: e.consecutive.Load(),
		InFlight:            e.inFlight.Load(),
		TotalLatency:        time.Duration(e.totalLatency.Load()),
	}
}
