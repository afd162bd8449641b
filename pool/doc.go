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

// Package pool provides the connection pooling used by rpclb clients.
//
// [ObjectPool] is a generic bounded pool with checkout semantics: every
// value handed out by Acquire is passed back exactly once, either to
// Release (healthy, reusable) or to Remove (destroy). [DynamicPool] keeps
// one ObjectPool of connections per endpoint and follows the endpoint set
// reported by a resolver.
package pool
