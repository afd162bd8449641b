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

// Package health provides endpoint health probing for rpclb.
//
// A [Prober] performs a single-shot check against an endpoint and reports a
// [State]. The mark-dead balancing strategy uses a prober to decide when an
// endpoint that was excluded after repeated failures may receive traffic
// again. This package includes a prober that simply dials the endpoint
// through a [conn.Factory]; the grpctransport package provides one that
// queries the standard gRPC health service.
package health
