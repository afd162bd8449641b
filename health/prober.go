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

package health

import (
	"context"
	"time"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/resolver"
)

// A Prober is a type that can perform single-shot health checks against an
// endpoint. Implementations must give up when ctx is done and report
// StateUnknown or StateUnhealthy in that case.
type Prober interface {
	Probe(ctx context.Context, endpoint resolver.Endpoint) State
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, endpoint resolver.Endpoint) State

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, endpoint resolver.Endpoint) State {
	return f(ctx, endpoint)
}

// NewDialProber creates a prober that considers an endpoint healthy when a
// new connection to it can be established within timeout. The probe
// connection is closed right away. A zero timeout relies on the context
// given to Probe alone.
func NewDialProber(factory conn.Factory, timeout time.Duration) Prober {
	return ProberFunc(func(ctx context.Context, endpoint resolver.Endpoint) State {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		probeConn, err := factory.Dial(ctx, endpoint)
		if err != nil {
			return StateUnhealthy
		}
		defer probeConn.Close()
		if !factory.Validate(probeConn) {
			return StateUnhealthy
		}
		return StateHealthy
	})
}

// All returns a prober that runs each prober in turn and reports the worst
// state seen. It stops early once a prober reports StateUnhealthy.
func All(probers ...Prober) Prober {
	return ProberFunc(func(ctx context.Context, endpoint resolver.Endpoint) State {
		state := StateHealthy
		for _, prober := range probers {
			state = state.Worse(prober.Probe(ctx, endpoint))
			if state == StateUnhealthy {
				break
			}
		}
		return state
	})
}
