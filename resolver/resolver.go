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

package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/rpclb/internal"
)

const defaultMinRefreshInterval = 5 * time.Second

// AddressFamilyAffinity is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyAffinity int

const (
	// AllFamilies will result in all addresses being used, regardless of
	// their address family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6
)

// Endpoint identifies one backend instance. It is a comparable value and can
// be used as a map key.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses a "host:port" string. IPv6 hosts must be bracketed,
// as accepted by [net.SplitHostPort].
func ParseEndpoint(hostPort string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in %q", hostPort)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("missing host in %q", hostPort)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// MustParseEndpoint is like ParseEndpoint but panics on error. It is
// intended for tests and for static endpoint lists known at compile time.
func MustParseEndpoint(hostPort string) Endpoint {
	endpoint, err := ParseEndpoint(hostPort)
	if err != nil {
		panic(err) //nolint:forbidigo
	}
	return endpoint
}

// String returns the endpoint in "host:port" form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero returns true for the zero Endpoint, which never identifies a
// backend.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// Resolver is an interface for continuous resolution of a target into
// endpoints.
type Resolver interface {
	// New creates a continuous resolver task for the given target. When the
	// target is resolved into endpoints, they are provided to the given
	// receiver.
	//
	// As the set of endpoints changes, the receiver may be called
	// repeatedly. Each time, the entire set of endpoints is supplied.
	//
	// The resolver may report errors in addition to or instead of
	// endpoints, but it should keep trying to resolve (and watch for
	// changes), even in the face of errors, until it is closed or the given
	// context is cancelled.
	//
	// The refresh channel receives hints from the client that it may need
	// new results, for example when it has no usable endpoints. Resolvers
	// may ignore it.
	//
	// The Close method of the returned value must stop all goroutines and
	// free any resources before returning. After Close returns, there must
	// be no subsequent calls to the receiver.
	New(ctx context.Context, target string, receiver Receiver, refresh <-chan struct{}) io.Closer
}

// Receiver is a client of a resolver and receives the resolved endpoints.
type Receiver interface {
	// OnResolve is called when the set of endpoints is resolved. Each call
	// supplies the full set of endpoints (no deltas).
	OnResolve([]Endpoint)
	// OnResolveError is called when resolution encounters an error. This can
	// happen at any time, including after endpoints were initially resolved.
	OnResolveError(error)
}

// ResolveProber is an interface for types that provide single-shot
// resolution.
type ResolveProber interface {
	// ResolveOnce resolves the given target once. The second return value
	// specifies the TTL of the result, or 0 if there is no known TTL value.
	ResolveOnce(ctx context.Context, target string) (results []Endpoint, ttl time.Duration, err error)
}

// ResolveProberFunc adapts a function to the ResolveProber interface.
type ResolveProberFunc func(ctx context.Context, target string) ([]Endpoint, time.Duration, error)

// ResolveOnce implements ResolveProber.
func (f ResolveProberFunc) ResolveOnce(ctx context.Context, target string) ([]Endpoint, time.Duration, error) {
	return f(ctx, target)
}

// NewStaticResolver returns a resolver that always reports the given
// endpoints, whatever the target. The endpoints are delivered once, from a
// goroutine, shortly after a task is created.
func NewStaticResolver(endpoints ...Endpoint) Resolver {
	clone := make([]Endpoint, len(endpoints))
	copy(clone, endpoints)
	return staticResolver{endpoints: clone}
}

type staticResolver struct {
	endpoints []Endpoint
}

func (s staticResolver) New(ctx context.Context, _ string, receiver Receiver, _ <-chan struct{}) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &resolverTask{cancel: cancel, doneSignal: make(chan struct{})}
	go func() {
		defer close(task.doneSignal)
		if ctx.Err() != nil {
			return
		}
		clone := make([]Endpoint, len(s.endpoints))
		copy(clone, s.endpoints)
		receiver.OnResolve(clone)
	}()
	return task
}

// NewDNSResolver creates a new resolver that resolves targets using DNS.
//
// A target whose first label starts with an underscore, like
// "_rpc._tcp.example.com", is resolved with an SRV query and every record
// becomes an endpoint. Any other target must be in "host:port" form: the
// host is resolved to its IP addresses, filtered per the given address
// family affinity, and each is combined with the port.
//
// Because net.Resolver does not expose record TTL values, the given fixed
// TTL is used to decide when to query again.
func NewDNSResolver(
	resolver *net.Resolver,
	ttl time.Duration,
	affinity AddressFamilyAffinity,
) Resolver {
	return NewPollingResolver(
		&dnsResolveProber{
			resolver: resolver,
			affinity: affinity,
		},
		ttl,
	)
}

// NewPollingResolver creates a new resolver that polls an underlying
// single-shot resolver whenever the result-set TTL expires. If the prober
// does not return a TTL with the result-set, defaultTTL is used. Refresh
// hints cause an early poll, but no more often than once every five
// seconds.
func NewPollingResolver(
	prober ResolveProber,
	defaultTTL time.Duration,
) Resolver {
	return &pollingResolver{
		prober:             prober,
		defaultTTL:         defaultTTL,
		minRefreshInterval: defaultMinRefreshInterval,
		clock:              internal.NewRealClock(),
	}
}

type dnsResolveProber struct {
	resolver *net.Resolver
	affinity AddressFamilyAffinity
}

func (r *dnsResolveProber) ResolveOnce(ctx context.Context, target string) ([]Endpoint, time.Duration, error) {
	if strings.HasPrefix(target, "_") {
		return r.resolveSRV(ctx, target)
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, 0, fmt.Errorf("dns target %q must be an SRV name or host:port: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("dns target %q has invalid port: %w", target, err)
	}
	addresses, err := r.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, err
	}
	switch r.affinity {
	case AllFamilies:
		break
	case PreferIPv4:
		ip4Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	}
	result := make([]Endpoint, len(addresses))
	for i, address := range addresses {
		result[i] = Endpoint{Host: address.Unmap().String(), Port: port}
	}
	return result, 0, nil
}

func (r *dnsResolveProber) resolveSRV(ctx context.Context, target string) ([]Endpoint, time.Duration, error) {
	_, records, err := r.resolver.LookupSRV(ctx, "", "", target)
	if err != nil {
		return nil, 0, err
	}
	result := make([]Endpoint, 0, len(records))
	for _, record := range records {
		result = append(result, Endpoint{
			Host: strings.TrimSuffix(record.Target, "."),
			Port: int(record.Port),
		})
	}
	if len(result) == 0 {
		return nil, 0, errors.New("no SRV records for " + target)
	}
	return result, 0, nil
}

type pollingResolver struct {
	prober             ResolveProber
	defaultTTL         time.Duration
	minRefreshInterval time.Duration
	clock              internal.Clock
}

func (pr *pollingResolver) New(
	ctx context.Context,
	target string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &resolverTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}
	go pr.run(ctx, task, target, receiver, refresh)
	return task
}

func (pr *pollingResolver) run(ctx context.Context, task *resolverTask, target string, receiver Receiver, refresh <-chan struct{}) {
	defer close(task.doneSignal)
	defer task.cancel()

	for {
		lastResolve := pr.clock.Now()
		endpoints, ttl, err := pr.prober.ResolveOnce(ctx, target)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			receiver.OnResolveError(err)
		} else {
			receiver.OnResolve(endpoints)
		}

		if ttl == 0 {
			ttl = pr.defaultTTL
		}
		// A fresh timer per wait avoids having to stop and drain a shared one.
		timer := pr.clock.NewTimer(ttl)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			continue
		case <-refresh:
			timer.Stop()
		}
		// Refresh hints may not cause polls more often than minRefreshInterval.
		if wait := pr.minRefreshInterval - pr.clock.Since(lastResolve); wait > 0 {
			timer := pr.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}
	}
}

type resolverTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (task *resolverTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}
