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
	"reflect"
	"sync"
	"time"

	"github.com/bufbuild/rpclb/balancer"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
)

// AttemptInfo describes one finished attempt of a call.
type AttemptInfo struct {
	Method string
	// Attempt is 1 for the first attempt of a call.
	Attempt int
	// Endpoint is the endpoint the attempt used. It is the zero Endpoint if
	// the attempt failed before one was chosen.
	Endpoint resolver.Endpoint
	Err      error
	// TimedOut is set when the attempt was ended by a deadline, even if the
	// error returned by the lower stages does not say so.
	TimedOut bool
	// ConnDestroyed is set when the attempt's connection was removed from
	// the pool rather than released.
	ConnDestroyed bool
	Latency       time.Duration
}

// AttemptObserver learns about every finished attempt.
type AttemptObserver interface {
	ObserveAttempt(info AttemptInfo)
}

// AttemptObserverFunc adapts a function to the AttemptObserver interface.
type AttemptObserverFunc func(info AttemptInfo)

// ObserveAttempt implements AttemptObserver.
func (f AttemptObserverFunc) ObserveAttempt(info AttemptInfo) {
	f(info)
}

// ResultRecorder receives per-endpoint results. *balancer.LoadBalancer
// implements it.
type ResultRecorder interface {
	RequestResult(result balancer.Result)
}

// NewTrackerObserver returns an observer that reports each attempt that
// reached an endpoint to recorder. Application errors count as successes:
// the endpoint answered. Attempts abandoned by the caller are not
// reported.
func NewTrackerObserver(recorder ResultRecorder) AttemptObserver {
	return AttemptObserverFunc(func(info AttemptInfo) {
		if info.Endpoint.IsZero() {
			return
		}
		result := balancer.Result{Endpoint: info.Endpoint, Latency: info.Latency}
		switch {
		case info.TimedOut:
			result.Outcome = balancer.OutcomeTimeout
		case info.Err == nil:
			result.Outcome = balancer.OutcomeSuccess
		default:
			switch rpcerr.Classify(info.Err) {
			case rpcerr.KindApplication:
				result.Outcome = balancer.OutcomeSuccess
			case rpcerr.KindCanceled, rpcerr.KindResourceExhausted:
				return
			default:
				result.Outcome = balancer.OutcomeFailed
			}
		}
		recorder.RequestResult(result)
	})
}

type attemptKey struct{}

// attempt is filled in by the base caller. The deadline stage may return
// while the base is still running, so fields are guarded.
type attempt struct {
	mu sync.Mutex
	// +checklocks:mu
	endpoint resolver.Endpoint
	// +checklocks:mu
	connDestroyed bool
}

func withAttempt(ctx context.Context) (context.Context, *attempt) {
	record := &attempt{}
	return context.WithValue(ctx, attemptKey{}, record), record
}

func attemptFromContext(ctx context.Context) *attempt {
	record, _ := ctx.Value(attemptKey{}).(*attempt)
	return record
}

func (a *attempt) setEndpoint(endpoint resolver.Endpoint) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.endpoint = endpoint
	a.mu.Unlock()
}

func (a *attempt) setConnDestroyed() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.connDestroyed = true
	a.mu.Unlock()
}

func (a *attempt) info(ctx context.Context, method string, number int, err error, latency time.Duration) AttemptInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AttemptInfo{
		Method:        method,
		Attempt:       number,
		Endpoint:      a.endpoint,
		Err:           err,
		TimedOut:      err != nil && (errors.Is(err, rpcerr.ErrTimeout) || errors.Is(context.Cause(ctx), rpcerr.ErrTimeout)),
		ConnDestroyed: a.connDestroyed,
		Latency:       latency,
	}
}

// resetReply clears what a failed attempt may have decoded into reply
// before the next attempt reuses it.
func resetReply(reply any) {
	switch reply := reply.(type) {
	case nil:
	case interface{ Reset() }:
		reply.Reset()
	default:
		value := reflect.ValueOf(reply)
		if value.Kind() == reflect.Pointer && !value.IsNil() {
			value.Elem().SetZero()
		}
	}
}
