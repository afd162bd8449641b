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

package health

import "fmt"

// State is the result of probing an endpoint. States are ordered from
// best to worst, so a lower value is always at least as good as a higher
// one.
type State int

const (
	// StateHealthy means the endpoint answered the probe and is serving.
	// Only this state brings a dead endpoint back into rotation.
	StateHealthy State = iota - 1
	// StateUnknown means the probe could not tell, for example because the
	// endpoint does not report health for the service asked about.
	StateUnknown
	// StateDegraded means the endpoint is serving but reports trouble.
	StateDegraded
	// StateUnhealthy means the endpoint could not be reached or is not
	// serving.
	StateUnhealthy
)

// Worse returns the worse of s and other.
func (s State) Worse(other State) State {
	return max(s, other)
}

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnknown:
		return "unknown"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
