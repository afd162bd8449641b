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

import "math/bits"

const (
	murmurC1 = 0xCC9E2D51
	murmurC2 = 0x1B873593
)

// Murmur3 computes the 32-bit MurmurHash3 (x86 variant) of the
// concatenation of the given byte slices. Rendezvous subsetting hashes a
// selection key followed by an endpoint, so the parts are accepted
// separately to avoid building a throwaway buffer per rank.
func Murmur3(seed uint32, parts ...[]byte) uint32 {
	var (
		h1, k1 uint32 = seed, 0
		filled int // bytes accumulated into k1
		total  int
	)
	for _, part := range parts {
		total += len(part)
		for _, b := range part {
			k1 |= uint32(b) << (filled << 3)
			filled++
			if filled == 4 {
				h1 = murmurRound(h1, k1)
				k1, filled = 0, 0
			}
		}
	}
	if filled > 0 {
		k1 *= murmurC1
		k1 = bits.RotateLeft32(k1, 15)
		k1 *= murmurC2
		h1 ^= k1
	}
	h1 ^= uint32(total) //nolint:gosec // length wraps like the reference implementation
	h1 ^= h1 >> 16
	h1 *= 0x85EBCA6B
	h1 ^= h1 >> 13
	h1 *= 0xC2B2AE35
	h1 ^= h1 >> 16
	return h1
}

//nolint:varnamelen // names match reference implementation for clarity
func murmurRound(h1, k1 uint32) uint32 {
	k1 *= murmurC1
	k1 = bits.RotateLeft32(k1, 15)
	k1 *= murmurC2
	h1 ^= k1
	h1 = bits.RotateLeft32(h1, 13)
	return h1*5 + 0xE6546B64
}
