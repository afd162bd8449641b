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

// Package resolver provides the endpoint-set source consumed by an rpclb
// client. Resolution is the process of turning a service target into the
// set of [Endpoint] values (host:port pairs) of the backend instances that
// currently serve it.
//
// The core interface, [Resolver], is push-based: a resolver task delivers
// the complete endpoint set to a [Receiver] every time it changes. This
// is general enough to be backed by a coordination service (watching
// nodes in ZooKeeper or etcd, or resources in Kubernetes) as well as by
// periodic polling.
//
// # Provided Implementations
//
// [NewStaticResolver] always reports the same fixed set of endpoints.
//
// [NewPollingResolver] polls a single-shot [ResolveProber] whenever the
// result's TTL expires, or sooner when the client signals that it needs
// fresh results. [NewDNSResolver] is a polling resolver whose prober
// queries DNS, either SRV records (for targets like
// "_rpc._tcp.example.com") or A/AAAA records (for "host:port" targets).
package resolver
