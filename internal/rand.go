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

package internal

import (
	"hash/maphash"
	"math/rand"
)

// NewRand returns a *rand.Rand seeded from the runtime's per-thread RNG (by
// way of "hash/maphash", which is lock-free).
//
// The returned value is not thread-safe. Strategies only use it while the
// load balancer's mutex is held, which is why a cheaper unsynchronized
// generator is preferred over the top-level functions of "math/rand/v2".
func NewRand() *rand.Rand {
	var hash maphash.Hash
	return rand.New(rand.NewSource(int64(hash.Sum64()))) //nolint:gosec // don't need cryptographic RNG
}
