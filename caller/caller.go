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

package caller

import "context"

// Caller issues one call of a named method, decoding the result into reply.
type Caller interface {
	Invoke(ctx context.Context, method string, req, reply any) error
}

// Func adapts a function to the Caller interface.
type Func func(ctx context.Context, method string, req, reply any) error

// Invoke implements Caller.
func (f Func) Invoke(ctx context.Context, method string, req, reply any) error {
	return f(ctx, method, req, reply)
}

// Middleware wraps a caller with another stage.
type Middleware func(next Caller) Caller

// Chain wraps base with the given middleware. The first middleware is the
// outermost stage.
func Chain(base Caller, middleware ...Middleware) Caller {
	caller := base
	for i := len(middleware) - 1; i >= 0; i-- {
		caller = middleware[i](caller)
	}
	return caller
}
