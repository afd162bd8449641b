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
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpclb/health"
	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/sirupsen/logrus"
)

// MarkDeadConfig configures the MarkDead strategy.
type MarkDeadConfig struct {
	// FailureThreshold is the number of consecutive failed or timed out
	// attempts after which an endpoint is excluded. Defaults to 1.
	FailureThreshold int
	// Cooldown is how long an endpoint stays excluded. Defaults to 30s.
	Cooldown time.Duration
	// Prober, if not nil, is used once each cooldown interval to check an
	// excluded endpoint. The endpoint is restored only after a probe
	// reports health.StateHealthy.
	Prober health.Prober
	// ProbeTimeout bounds each probe. Defaults to the cooldown.
	ProbeTimeout time.Duration
	// Logger receives a warning when an endpoint is marked dead and an info
	// message when it is restored. Nil discards.
	Logger logrus.FieldLogger
}

// MarkDead decorates inner so that endpoints are excluded from selection
// for a cooldown window once they accumulate FailureThreshold consecutive
// failures. A success resets the count.
//
// When every candidate is excluded, Pick fails with
// rpcerr.ErrNoEndpointsAvailable. The returned strategy implements
// io.Closer, which stops in-flight probes.
func MarkDead(inner Strategy, config MarkDeadConfig) Strategy {
	return newMarkDead(inner, config, internal.NewRealClock())
}

func newMarkDead(inner Strategy, config MarkDeadConfig, clock internal.Clock) *markDead {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = config.Cooldown
	}
	logger := config.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &markDead{
		inner:       inner,
		config:      config,
		logger:      logger,
		clock:       clock,
		ctx:         ctx,
		cancel:      cancel,
		consecutive: map[resolver.Endpoint]int{},
		dead:        map[resolver.Endpoint]*deadEndpoint{},
	}
}

// State of a markDead strategy is only touched by Pick, ObserveResult and
// Forget, which the load balancer serializes. Probe goroutines report back through
// deadEndpoint.probe.
type markDead struct {
	inner  Strategy
	config MarkDeadConfig
	logger logrus.FieldLogger
	clock  internal.Clock
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	probes sync.WaitGroup

	consecutive map[resolver.Endpoint]int
	dead        map[resolver.Endpoint]*deadEndpoint
}

type probeState int32

const (
	probeIdle probeState = iota
	probeRunning
	probePassed
	probeFailed
)

type deadEndpoint struct {
	until time.Time
	// +checkatomic
	probe atomic.Int32
}

func (m *markDead) Pick(candidates []resolver.Endpoint, snap Snapshot) (resolver.Endpoint, error) {
	now := m.clock.Now()
	alive := make([]resolver.Endpoint, 0, len(candidates))
	for _, candidate := range candidates {
		if m.isAlive(candidate, now) {
			alive = append(alive, candidate)
		}
	}
	if len(alive) == 0 {
		return resolver.Endpoint{}, fmt.Errorf("%w: all %d candidates are marked dead", rpcerr.ErrNoEndpointsAvailable, len(candidates))
	}
	return m.inner.Pick(alive, snap)
}

func (m *markDead) isAlive(endpoint resolver.Endpoint, now time.Time) bool {
	entry, ok := m.dead[endpoint]
	if !ok {
		return true
	}
	if m.config.Prober == nil {
		if now.Before(entry.until) {
			return false
		}
		m.restore(endpoint)
		return true
	}
	switch probeState(entry.probe.Load()) {
	case probePassed:
		m.restore(endpoint)
		return true
	case probeFailed:
		entry.until = now.Add(m.config.Cooldown)
		entry.probe.Store(int32(probeIdle))
	case probeIdle:
		if !now.Before(entry.until) {
			entry.probe.Store(int32(probeRunning))
			m.startProbe(endpoint, entry)
		}
	case probeRunning:
	}
	return false
}

func (m *markDead) startProbe(endpoint resolver.Endpoint, entry *deadEndpoint) {
	m.probes.Add(1)
	go func() {
		defer m.probes.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
		defer cancel()
		if m.config.Prober.Probe(ctx, endpoint) == health.StateHealthy {
			entry.probe.Store(int32(probePassed))
			return
		}
		entry.probe.Store(int32(probeFailed))
	}()
}

func (m *markDead) restore(endpoint resolver.Endpoint) {
	delete(m.dead, endpoint)
	m.consecutive[endpoint] = 0
	m.logger.WithField("endpoint", endpoint.String()).Info("endpoint restored")
}

func (m *markDead) ObserveResult(result Result) {
	if observer, ok := m.inner.(ResultObserver); ok {
		observer.ObserveResult(result)
	}
	if result.Outcome == OutcomeSuccess {
		delete(m.consecutive, result.Endpoint)
		return
	}
	if _, isDead := m.dead[result.Endpoint]; isDead {
		return
	}
	m.consecutive[result.Endpoint]++
	if m.consecutive[result.Endpoint] < m.config.FailureThreshold {
		return
	}
	delete(m.consecutive, result.Endpoint)
	m.dead[result.Endpoint] = &deadEndpoint{until: m.clock.Now().Add(m.config.Cooldown)}
	m.logger.WithFields(logrus.Fields{
		"endpoint": result.Endpoint.String(),
		"outcome":  result.Outcome.String(),
		"cooldown": m.config.Cooldown,
	}).Warn("marking endpoint dead after consecutive failures")
}

// Forget drops what is known about endpoint. A probe still running for it
// reports into an entry nothing refers to anymore.
func (m *markDead) Forget(endpoint resolver.Endpoint) {
	delete(m.consecutive, endpoint)
	delete(m.dead, endpoint)
	if forgetter, ok := m.inner.(Forgetter); ok {
		forgetter.Forget(endpoint)
	}
}

// Close stops in-flight probes and closes the inner strategy, if it is an
// io.Closer.
func (m *markDead) Close() error {
	m.cancel()
	m.probes.Wait()
	if closer, ok := m.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
