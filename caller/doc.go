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

// Package caller provides the call pipeline of an rpclb client.
//
// A [Caller] issues one call of a named method. The pipeline is a chain of
// stages, each wrapping the next, ending with the base caller that checks
// out a connection from the pool and uses it. Clients assemble, from the
// outermost stage in:
//
//	debug -> stat tracking -> retrying -> deadline -> base
//
// or, when the deadline bounds the whole call rather than each attempt,
//
//	debug -> stat tracking -> deadline -> retrying -> base
//
// The retrying stage is always present, even with zero retries, because it
// delimits attempts: it reports every finished attempt to its
// [AttemptObserver]s, which is how the load balancer's tracker and the
// per-method error counters learn about individual attempts.
//
// Asynchronous calls use the same stages in [AsyncCaller] form. Every
// logical call has exactly one outward [Future], however many attempts it
// takes.
package caller
