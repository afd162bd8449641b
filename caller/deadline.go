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
	"fmt"
	"time"

	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/rpcerr"
	"golang.org/x/sync/semaphore"
)

const defaultDeadlineWorkers = 100

// DeadlineConfig configures the deadline stage.
type DeadlineConfig struct {
	// Timeout bounds each call through the stage. It must be positive.
	Timeout time.Duration
	// Workers is the number of calls that may run through the stage at
	// once. Defaults to 100.
	Workers int
}

// NewDeadline returns a stage that runs next with a bounded duration.
//
// Each call runs on one of a fixed number of workers. If none is free, the
// call fails right away with rpcerr.ErrResourceExhausted instead of
// queueing. When the timeout elapses, the call's context is cancelled with
// cause rpcerr.ErrTimeout and the stage returns an error wrapping
// rpcerr.ErrTimeout without waiting for next to return; the worker stays
// busy until it does.
//
// Once the stage has returned a timeout, next may still write to reply
// until it observes the cancellation.
func NewDeadline(next Caller, config DeadlineConfig) Caller {
	return newDeadline(next, config, internal.NewRealClock())
}

// DeadlineMiddleware is NewDeadline in Middleware form.
func DeadlineMiddleware(config DeadlineConfig) Middleware {
	return func(next Caller) Caller {
		return NewDeadline(next, config)
	}
}

func newDeadline(next Caller, config DeadlineConfig, clock internal.Clock) *deadlineCaller {
	if config.Workers <= 0 {
		config.Workers = defaultDeadlineWorkers
	}
	return &deadlineCaller{
		next:    next,
		timeout: config.Timeout,
		workers: int64(config.Workers),
		sem:     semaphore.NewWeighted(int64(config.Workers)),
		clock:   clock,
	}
}

type deadlineCaller struct {
	next    Caller
	timeout time.Duration
	workers int64
	sem     *semaphore.Weighted
	clock   internal.Clock
}

func (d *deadlineCaller) Invoke(ctx context.Context, method string, req, reply any) error {
	if !d.sem.TryAcquire(1) {
		return fmt.Errorf("%w: all %d deadline workers are busy", rpcerr.ErrResourceExhausted, d.workers)
	}
	callCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan error, 1)
	go func() {
		err := d.next.Invoke(callCtx, method, req, reply)
		d.sem.Release(1)
		done <- err
	}()

	timer := d.clock.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		cancel(nil)
		return err
	case <-timer.Chan():
		cancel(rpcerr.ErrTimeout)
		return fmt.Errorf("%w: %s did not complete within %v", rpcerr.ErrTimeout, method, d.timeout)
	case <-ctx.Done():
		cause := context.Cause(ctx)
		cancel(cause)
		return cause
	}
}
