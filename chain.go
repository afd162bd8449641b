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

package rpclb

import (
	"github.com/bufbuild/rpclb/caller"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/bufbuild/rpclb/stats"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// chainConfig holds what is needed to assemble a client's call chain.
//
// The order of stages, outermost first, is debug, stat-tracking,
// retrying, deadline, base. With DeadlinePerCall the deadline stage moves
// above the retrying stage so that one deadline bounds every attempt.
type chainConfig struct {
	config      Config
	service     string
	source      caller.ConnSource
	recorder    caller.ResultRecorder
	registry    *stats.Registry
	logger      logrus.FieldLogger
	retryOn     func(error) bool
	retryBudget *rate.Limiter
	debug       bool
}

func (c *chainConfig) retryConfig() caller.RetryConfig {
	retryOn := c.retryOn
	if retryOn == nil {
		retryOn = rpcerr.MatchKinds(c.config.RetryOn...)
	}
	return caller.RetryConfig{
		Retries: c.config.Retries,
		RetryOn: retryOn,
		Budget:  c.retryBudget,
		Observers: []caller.AttemptObserver{
			caller.NewTrackerObserver(c.recorder),
			caller.NewStatsObserver(c.registry, c.service),
		},
	}
}

func (c *chainConfig) deadlineConfig() caller.DeadlineConfig {
	return caller.DeadlineConfig{
		Timeout: c.config.RequestTimeout,
		Workers: c.config.DeadlineWorkers,
	}
}

func (c *chainConfig) perCallDeadline() bool {
	return c.config.RequestTimeout > 0 && c.config.DeadlineScope == DeadlinePerCall
}

func (c *chainConfig) perAttemptDeadline() bool {
	return c.config.RequestTimeout > 0 && c.config.DeadlineScope != DeadlinePerCall
}

func (c *chainConfig) blocking() caller.Caller {
	var middleware []caller.Middleware
	if c.debug {
		middleware = append(middleware, caller.DebugMiddleware(c.logger))
	}
	middleware = append(middleware, caller.StatTrackingMiddleware(c.registry, c.service))
	if c.perCallDeadline() {
		middleware = append(middleware, caller.DeadlineMiddleware(c.deadlineConfig()))
	}
	middleware = append(middleware, caller.RetryingMiddleware(c.retryConfig()))
	if c.perAttemptDeadline() {
		middleware = append(middleware, caller.DeadlineMiddleware(c.deadlineConfig()))
	}
	return caller.Chain(caller.NewBase(c.source), middleware...)
}

func (c *chainConfig) async() caller.AsyncCaller {
	var middleware []caller.AsyncMiddleware
	if c.debug {
		middleware = append(middleware, func(next caller.AsyncCaller) caller.AsyncCaller {
			return caller.NewAsyncDebug(next, c.logger)
		})
	}
	middleware = append(middleware, func(next caller.AsyncCaller) caller.AsyncCaller {
		return caller.NewAsyncStatTracking(next, c.registry, c.service)
	})
	timeout := c.config.RequestTimeout
	if c.perCallDeadline() {
		middleware = append(middleware, func(next caller.AsyncCaller) caller.AsyncCaller {
			return caller.NewAsyncDeadline(next, timeout)
		})
	}
	retry := c.retryConfig()
	middleware = append(middleware, func(next caller.AsyncCaller) caller.AsyncCaller {
		return caller.NewAsyncRetrying(next, retry)
	})
	if c.perAttemptDeadline() {
		middleware = append(middleware, func(next caller.AsyncCaller) caller.AsyncCaller {
			return caller.NewAsyncDeadline(next, timeout)
		})
	}
	return caller.ChainAsync(caller.NewAsyncBase(caller.NewBase(c.source)), middleware...)
}
