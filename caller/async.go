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
	"fmt"
	"sync"
	"time"

	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/bufbuild/rpclb/stats"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Future is the pending result of an asynchronous call.
type Future struct {
	done chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	completed bool
	// +checklocks:mu
	err error
	// +checklocks:mu
	callbacks []func(error)
}

// NewFuture returns a pending future and the function that completes it.
// Only the first completion takes effect; complete reports whether it was
// that one.
func NewFuture() (future *Future, complete func(error) bool) {
	future = &Future{done: make(chan struct{})}
	return future, future.complete
}

// CompletedFuture returns a future that is already complete with err.
func CompletedFuture(err error) *Future {
	future, complete := NewFuture()
	complete(err)
	return future
}

// Done returns a channel that is closed once the future is complete and
// every callback registered before completion has run.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome of the call. It is nil until the future is
// complete.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future is complete or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// OnComplete registers fn to be called once with the outcome. If the
// future is already complete, fn runs right away on the calling goroutine;
// otherwise it runs on the goroutine that completes the future. fn must
// not wait on this future's Done channel.
func (f *Future) OnComplete(fn func(error)) {
	f.mu.Lock()
	if f.completed {
		err := f.err
		f.mu.Unlock()
		fn(err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

func (f *Future) complete(err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	for _, callback := range callbacks {
		callback(err)
	}
	close(f.done)
	return true
}

// AsyncCaller starts one call of a named method and returns right away.
type AsyncCaller interface {
	InvokeAsync(ctx context.Context, method string, req, reply any) *Future
}

// AsyncFunc adapts a function to the AsyncCaller interface.
type AsyncFunc func(ctx context.Context, method string, req, reply any) *Future

// InvokeAsync implements AsyncCaller.
func (f AsyncFunc) InvokeAsync(ctx context.Context, method string, req, reply any) *Future {
	return f(ctx, method, req, reply)
}

// AsyncMiddleware wraps an async caller with another stage.
type AsyncMiddleware func(next AsyncCaller) AsyncCaller

// ChainAsync wraps base with the given middleware. The first middleware is
// the outermost stage.
func ChainAsync(base AsyncCaller, middleware ...AsyncMiddleware) AsyncCaller {
	caller := base
	for i := len(middleware) - 1; i >= 0; i-- {
		caller = middleware[i](caller)
	}
	return caller
}

// NewAsyncBase runs each call of base on its own goroutine.
func NewAsyncBase(base Caller) AsyncCaller {
	return AsyncFunc(func(ctx context.Context, method string, req, reply any) *Future {
		future, complete := NewFuture()
		go func() {
			complete(base.Invoke(ctx, method, req, reply))
		}()
		return future
	})
}

// NewAsyncDeadline returns a stage that completes the call's future with
// an error wrapping rpcerr.ErrTimeout once timeout elapses, cancelling the
// pending call with that cause.
func NewAsyncDeadline(next AsyncCaller, timeout time.Duration) AsyncCaller {
	return newAsyncDeadline(next, timeout, internal.NewRealClock())
}

func newAsyncDeadline(next AsyncCaller, timeout time.Duration, clock internal.Clock) AsyncCaller {
	return AsyncFunc(func(ctx context.Context, method string, req, reply any) *Future {
		callCtx, cancel := context.WithCancelCause(ctx)
		future, complete := NewFuture()
		timer := clock.AfterFunc(timeout, func() {
			cancel(rpcerr.ErrTimeout)
			complete(fmt.Errorf("%w: %s did not complete within %v", rpcerr.ErrTimeout, method, timeout))
		})
		next.InvokeAsync(callCtx, method, req, reply).OnComplete(func(err error) {
			timer.Stop()
			complete(err)
			cancel(nil)
		})
		return future
	})
}

// NewAsyncRetrying is the async form of NewRetrying. A failed attempt that
// may be retried starts the next attempt from its completion callback;
// only the outcome of the final attempt completes the returned future.
func NewAsyncRetrying(next AsyncCaller, config RetryConfig) AsyncCaller {
	return newAsyncRetrying(next, config, internal.NewRealClock())
}

func newAsyncRetrying(next AsyncCaller, config RetryConfig, clock internal.Clock) AsyncCaller {
	policy := newRetrying(nil, config, clock).policy
	return AsyncFunc(func(ctx context.Context, method string, req, reply any) *Future {
		future, complete := NewFuture()
		var start func(number int)
		start = func(number int) {
			attemptCtx, record := withAttempt(ctx)
			began := policy.clock.Now()
			next.InvokeAsync(attemptCtx, method, req, reply).OnComplete(func(err error) {
				policy.observe(record.info(attemptCtx, method, number, err, policy.clock.Since(began)))
				if !policy.shouldRetry(ctx, number, err) {
					complete(err)
					return
				}
				resetReply(reply)
				start(number + 1)
			})
		}
		start(1)
		return future
	})
}

// NewAsyncStatTracking is the async form of NewStatTracking.
func NewAsyncStatTracking(next AsyncCaller, registry *stats.Registry, service string) AsyncCaller {
	return AsyncFunc(func(ctx context.Context, method string, req, reply any) *Future {
		counters := registry.Method(service, method)
		counters.Requests.Inc()
		future := next.InvokeAsync(ctx, method, req, reply)
		future.OnComplete(func(err error) {
			if errors.Is(err, rpcerr.ErrTimeout) {
				counters.Timeouts.Inc()
			}
		})
		return future
	})
}

// NewAsyncDebug is the async form of NewDebug.
func NewAsyncDebug(next AsyncCaller, logger logrus.FieldLogger) AsyncCaller {
	return AsyncFunc(func(ctx context.Context, method string, req, reply any) *Future {
		entry := logger.WithFields(logrus.Fields{
			"call_id": uuid.NewString(),
			"method":  method,
		})
		entry.WithField("request", req).Debug("rpc call started")
		start := time.Now()
		future := next.InvokeAsync(ctx, method, req, reply)
		future.OnComplete(func(err error) {
			logCompletion(entry, time.Since(start), reply, err)
		})
		return future
	})
}

// Blocking adapts an async caller to the Caller interface by waiting for
// each call's future.
func Blocking(async AsyncCaller) Caller {
	return Func(func(ctx context.Context, method string, req, reply any) error {
		return async.InvokeAsync(ctx, method, req, reply).Wait(ctx)
	})
}
