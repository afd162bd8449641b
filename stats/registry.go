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

// Package stats provides an explicitly constructed registry of named
// counters. Clients record per-method call counters into a registry that
// an external poller can read with Snapshot or WriteTo.
package stats

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Suffixes of the per-method counter names.
const (
	SuffixRequests   = "requests_events"
	SuffixErrors     = "errors"
	SuffixReconnects = "reconnects"
	SuffixTimeouts   = "timeouts"
)

// Counter is a monotonically increasing value.
type Counter struct {
	// +checkatomic
	value atomic.Int64
}

// Inc adds one to the counter.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds delta, which must not be negative, to the counter.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.value.Add(delta)
	}
}

// Value returns the current value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Registry holds counters by name. The zero value is not usable; create
// one with NewRegistry.
type Registry struct {
	mu sync.RWMutex
	// +checklocks:mu
	counters map[string]*Counter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: map[string]*Counter{}}
}

// Counter returns the counter with the given name, creating it if needed.
func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	counter, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return counter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, ok := r.counters[name]; ok {
		return counter
	}
	counter = &Counter{}
	r.counters[name] = counter
	return counter
}

// Snapshot returns the current value of every counter.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]int64, len(r.counters))
	for name, counter := range r.counters {
		snapshot[name] = counter.Value()
	}
	return snapshot
}

// WithPrefix returns the values of every counter whose name starts with
// prefix.
func (r *Registry) WithPrefix(prefix string) map[string]int64 {
	snapshot := r.Snapshot()
	for name := range snapshot {
		if !strings.HasPrefix(name, prefix) {
			delete(snapshot, name)
		}
	}
	return snapshot
}

// WriteTo writes every counter as a "name value" line, sorted by name.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	snapshot := r.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	var written int64
	for _, name := range names {
		n, err := fmt.Fprintf(w, "%s %d\n", name, snapshot[name])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// MethodCounters are the counters of one service method.
type MethodCounters struct {
	Requests   *Counter
	Errors     *Counter
	Reconnects *Counter
	Timeouts   *Counter
}

// Method returns the counters of the given method, named
// "<service>_<method>_<suffix>".
func (r *Registry) Method(service, method string) MethodCounters {
	prefix := Name(service, method, "")
	return MethodCounters{
		Requests:   r.Counter(prefix + SuffixRequests),
		Errors:     r.Counter(prefix + SuffixErrors),
		Reconnects: r.Counter(prefix + SuffixReconnects),
		Timeouts:   r.Counter(prefix + SuffixTimeouts),
	}
}

// Name builds a counter name from a service, a method, and a suffix.
func Name(service, method, suffix string) string {
	return service + "_" + method + "_" + suffix
}
