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

package caller

import (
	"context"
	"errors"

	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/bufbuild/rpclb/stats"
)

// NewStatTracking returns a stage that counts logical calls per method in
// registry: "requests_events" once per call and "timeouts" once per call
// that ends with rpcerr.ErrTimeout. Per-attempt counters are kept by
// NewStatsObserver, which must be given to the retrying stage.
func NewStatTracking(next Caller, registry *stats.Registry, service string) Caller {
	return &statTrackingCaller{next: next, registry: registry, service: service}
}

// StatTrackingMiddleware is NewStatTracking in Middleware form.
func StatTrackingMiddleware(registry *stats.Registry, service string) Middleware {
	return func(next Caller) Caller {
		return NewStatTracking(next, registry, service)
	}
}

type statTrackingCaller struct {
	next     Caller
	registry *stats.Registry
	service  string
}

func (s *statTrackingCaller) Invoke(ctx context.Context, method string, req, reply any) error {
	counters := s.registry.Method(s.service, method)
	counters.Requests.Inc()
	err := s.next.Invoke(ctx, method, req, reply)
	if errors.Is(err, rpcerr.ErrTimeout) {
		counters.Timeouts.Inc()
	}
	return err
}

// NewStatsObserver returns an attempt observer that counts, per method,
// one "errors" and one "reconnects" for each failed attempt that did not
// time out, whatever the kind of failure. Timed-out attempts are counted
// as "timeouts" by the stat-tracking stage instead.
func NewStatsObserver(registry *stats.Registry, service string) AttemptObserver {
	return AttemptObserverFunc(func(info AttemptInfo) {
		if info.Err == nil || info.TimedOut {
			return
		}
		counters := registry.Method(service, info.Method)
		counters.Errors.Inc()
		counters.Reconnects.Inc()
	})
}
