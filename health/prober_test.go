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

package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/health"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialProber(t *testing.T) {
	t.Parallel()

	healthy := resolver.MustParseEndpoint("healthy:1")
	sick := resolver.MustParseEndpoint("sick:1")
	slow := resolver.MustParseEndpoint("slow:1")
	var closed atomic.Int32
	factory := conn.FactoryFunc(func(ctx context.Context, endpoint resolver.Endpoint) (conn.Conn, error) {
		switch endpoint {
		case healthy:
			return &fakeConn{endpoint: endpoint, closed: &closed}, nil
		case slow:
			<-ctx.Done()
			return nil, ctx.Err()
		default:
			return nil, errors.New("connection refused")
		}
	})
	prober := health.NewDialProber(factory, 10*time.Millisecond)
	ctx := context.Background()

	assert.Equal(t, health.StateHealthy, prober.Probe(ctx, healthy))
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, health.StateUnhealthy, prober.Probe(ctx, sick))
	assert.Equal(t, health.StateUnhealthy, prober.Probe(ctx, slow))
}

func TestStateOrdering(t *testing.T) {
	t.Parallel()

	require.Less(t, health.StateHealthy, health.StateUnknown)
	require.Less(t, health.StateUnknown, health.StateDegraded)
	require.Less(t, health.StateDegraded, health.StateUnhealthy)
	assert.Equal(t, "healthy", health.StateHealthy.String())
	assert.Equal(t, "State(7)", health.State(7).String())
	assert.Equal(t, health.StateDegraded, health.StateHealthy.Worse(health.StateDegraded))
}

func TestAllProbers(t *testing.T) {
	t.Parallel()

	fixed := func(state health.State) health.Prober {
		return health.ProberFunc(func(context.Context, resolver.Endpoint) health.State { return state })
	}
	var skipped atomic.Int32
	counting := health.ProberFunc(func(context.Context, resolver.Endpoint) health.State {
		skipped.Add(1)
		return health.StateHealthy
	})
	ctx := context.Background()
	endpoint := resolver.MustParseEndpoint("10.0.0.1:9090")

	assert.Equal(t, health.StateHealthy, health.All().Probe(ctx, endpoint))
	assert.Equal(t, health.StateHealthy, health.All(fixed(health.StateHealthy), fixed(health.StateHealthy)).Probe(ctx, endpoint))
	assert.Equal(t, health.StateUnknown, health.All(fixed(health.StateHealthy), fixed(health.StateUnknown)).Probe(ctx, endpoint))
	assert.Equal(t, health.StateUnhealthy, health.All(fixed(health.StateUnhealthy), counting).Probe(ctx, endpoint))
	assert.Zero(t, skipped.Load())
}

type fakeConn struct {
	endpoint resolver.Endpoint
	closed   *atomic.Int32
}

func (c *fakeConn) Endpoint() resolver.Endpoint { return c.endpoint }

func (c *fakeConn) Invoke(context.Context, string, any, any) error { return nil }

func (c *fakeConn) State() conn.State {
	if c.closed.Load() > 0 {
		return conn.StateClosed
	}
	return conn.StateOpen
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}
