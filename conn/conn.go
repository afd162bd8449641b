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

// Package conn provides the representation of a connection. A connection
// is the unit the pool hands out to a single in-flight call: it wraps
// exactly one transport to one resolved endpoint.
package conn

import (
	"context"
	"fmt"

	"github.com/bufbuild/rpclb/resolver"
)

// State is the lifecycle state of a connection.
type State int

const (
	// StateOpen is a connection that can carry calls.
	StateOpen State = iota
	// StateClosed is a connection that has been closed, either explicitly
	// or because the transport failed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Conn represents a connection to a resolved endpoint. A Conn is never used
// by more than one call at a time, so implementations need not support
// concurrent Invoke calls. Close and State, however, may be called
// concurrently with Invoke.
type Conn interface {
	// Endpoint is the endpoint to which this value is connected.
	Endpoint() resolver.Endpoint
	// Invoke issues one call of the named method. The reply is decoded into
	// reply. Errors caused by the transport should be, or wrap, an
	// *rpcerr.TransportError; any other error is an application error
	// returned by the remote service.
	//
	// When ctx is done before the call completes, the implementation should
	// abort the call and return an error that wraps context.Cause(ctx).
	Invoke(ctx context.Context, method string, req, reply any) error
	// State returns the current state of the connection.
	State() State
	// Close closes the underlying transport. It is safe to call more than
	// once.
	Close() error
}

// Factory creates and checks connections.
type Factory interface {
	// Dial establishes a new connection to the given endpoint. It must give
	// up when ctx is done.
	Dial(ctx context.Context, endpoint resolver.Endpoint) (Conn, error)
	// Validate reports whether an idle connection is still usable. The pool
	// calls it before handing out an idle connection and destroys the
	// connection on false.
	Validate(conn Conn) bool
}

// FactoryFunc adapts a dial function into a Factory whose Validate accepts
// any connection that is still open.
type FactoryFunc func(ctx context.Context, endpoint resolver.Endpoint) (Conn, error)

// Dial implements Factory.
func (f FactoryFunc) Dial(ctx context.Context, endpoint resolver.Endpoint) (Conn, error) {
	return f(ctx, endpoint)
}

// Validate implements Factory.
func (f FactoryFunc) Validate(conn Conn) bool {
	return conn.State() == StateOpen
}

// DialError is returned when a connection to a chosen endpoint could not be
// established. Err is usually an *rpcerr.TransportError.
type DialError struct {
	Endpoint resolver.Endpoint
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Endpoint, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}
