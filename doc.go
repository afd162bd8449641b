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

// Package rpclb provides a client-side runtime for calling the methods of
// a remote service across a dynamic set of backend endpoints.
//
// A client is built from a [ServiceDesc] with [NewClient]. Each call made
// through its facade runs through a chain of stages:
//
//   - debug: logs the call, when enabled
//   - stat-tracking: counts calls and timeouts per method
//   - retrying: repeats failed attempts that may be retried
//   - deadline: bounds the attempt, or the whole call
//   - base: checks a connection out of the pool, issues the call on it,
//     and hands the connection back
//
// Connections are pooled per endpoint (see package pool). The endpoint for
// each new checkout is picked by a load-balancing strategy (see package
// balancer) that learns from the results of earlier attempts. The set of
// endpoints comes from a resolver (see package resolver) and may change at
// any time.
//
// Calls fail with the sentinel errors of package rpcerr, or with the
// application error decoded from the remote end, unchanged.
package rpclb
