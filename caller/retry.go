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

	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/rpcerr"
	"golang.org/x/time/rate"
)

// RetryConfig configures the retrying stage.
type RetryConfig struct {
	// Retries is the number of attempts made after the first one fails.
	Retries int
	// RetryOn decides whether an error may be retried. Defaults to
	// rpcerr.IsTransport. Timeouts, resource exhaustion, and cancellations
	// are never retried, whatever RetryOn says.
	RetryOn func(error) bool
	// Budget, if not nil, must grant a token for every retry. A call whose
	// retry is denied ends with the error of its last attempt.
	Budget *rate.Limiter
	// Observers learn about every finished attempt.
	Observers []AttemptObserver
}

// NewRetrying returns a stage that makes up to Retries+1 sequential
// attempts of a call. When attempts are exhausted, or an error may not be
// retried, the error of the last attempt is returned as is.
func NewRetrying(next Caller, config RetryConfig) Caller {
	return newRetrying(next, config, internal.NewRealClock())
}

// RetryingMiddleware is NewRetrying in Middleware form.
func RetryingMiddleware(config RetryConfig) Middleware {
	return func(next Caller) Caller {
		return NewRetrying(next, config)
	}
}

func newRetrying(next Caller, config RetryConfig, clock internal.Clock) *retryingCaller {
	if config.RetryOn == nil {
		config.RetryOn = rpcerr.IsTransport
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	return &retryingCaller{
		next:   next,
		policy: retryPolicy{config: config, clock: clock},
	}
}

type retryingCaller struct {
	next   Caller
	policy retryPolicy
}

func (r *retryingCaller) Invoke(ctx context.Context, method string, req, reply any) error {
	for number := 1; ; number++ {
		attemptCtx, record := withAttempt(ctx)
		start := r.policy.clock.Now()
		err := r.next.Invoke(attemptCtx, method, req, reply)
		r.policy.observe(record.info(attemptCtx, method, number, err, r.policy.clock.Since(start)))
		if !r.policy.shouldRetry(ctx, number, err) {
			return err
		}
		resetReply(reply)
	}
}

// retryPolicy is shared by the blocking and async retrying stages.
type retryPolicy struct {
	config RetryConfig
	clock  internal.Clock
}

func (p retryPolicy) observe(info AttemptInfo) {
	for _, observer := range p.config.Observers {
		observer.ObserveAttempt(info)
	}
}

func (p retryPolicy) shouldRetry(ctx context.Context, number int, err error) bool {
	switch {
	case err == nil, number > p.config.Retries:
		return false
	case !rpcerr.IsRetryable(err), !p.config.RetryOn(err):
		return false
	case ctx.Err() != nil:
		return false
	case p.config.Budget != nil && !p.config.Budget.Allow():
		return false
	}
	return true
}
