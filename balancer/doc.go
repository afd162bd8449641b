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

// Package balancer provides endpoint selection for rpclb clients.
//
// A [LoadBalancer] receives the list of candidate endpoints (those with a
// usable connection slot) from the connection pool and asks a [Strategy]
// to pick one. Strategies may consult a [Snapshot] of the per-endpoint
// counters kept by the balancer's [Tracker], and stateful strategies can
// learn about call outcomes by implementing [ResultObserver].
//
// Strategies compose by decoration. For example, the following excludes
// endpoints after repeated failures from a deterministic subset, and
// cycles through what remains:
//
//	balancer.MarkDead(
//		balancer.Subset(balancer.RoundRobin(), balancer.SubsetConfig{Size: 3, SelectionKey: hostname}),
//		balancer.MarkDeadConfig{FailureThreshold: 5, Cooldown: 30 * time.Second},
//	)
package balancer
