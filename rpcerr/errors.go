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

// Package rpcerr defines the errors surfaced by an rpclb client and the
// classification used to decide whether a failed attempt may be retried.
//
// Application errors (errors returned by the remote service and decoded by
// the codec) are never wrapped: callers see the exact value the codec
// produced. The failure modes synthesized by the client itself are package
// sentinels and are matched with [errors.Is]:
//
//   - [ErrResourceExhausted]: a pool or the deadline worker set is
//     saturated. Never retried.
//   - [ErrTimeout]: a deadline elapsed. Never retried.
//   - [TransportError]: the connection failed at the I/O or framing level.
//     Retried according to the client's retry predicate.
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResourceExhausted indicates that no connection or worker could be
	// obtained because every slot is in use.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrNoEndpointsAvailable indicates that the endpoint set was empty, or
	// that the balancing strategy filtered out every candidate. It matches
	// ErrResourceExhausted.
	ErrNoEndpointsAvailable = fmt.Errorf("%w: no endpoints available", ErrResourceExhausted)
	// ErrSaturated indicates that every endpoint the balancer may use has
	// all of its connections checked out. It matches ErrResourceExhausted.
	ErrSaturated = fmt.Errorf("%w: every usable endpoint is at capacity", ErrResourceExhausted)
	// ErrTimeout indicates that a call exceeded its deadline.
	ErrTimeout = errors.New("deadline exceeded")
	// ErrAcquireTimeout indicates that a connection could not be obtained
	// (or established) within the connect timeout. It matches ErrTimeout.
	ErrAcquireTimeout = fmt.Errorf("%w: timed out acquiring connection", ErrTimeout)
	// ErrClosed is returned by operations on a client or pool that has been
	// closed.
	ErrClosed = errors.New("client is closed")
	// ErrInvalidArgument is returned when a client is built from an invalid
	// service description or configuration, or when a call names a method
	// the service does not declare.
	ErrInvalidArgument = errors.New("invalid argument")
)

// TransportError is a failure of the underlying connection: a dial or
// I/O error, or a protocol desync. The connection that produced it must be
// destroyed rather than returned to the pool.
type TransportError struct {
	// Endpoint is the host:port of the remote end.
	Endpoint string
	// Op names the operation that failed, like "dial", "write", or "read".
	Op  string
	Err error
}

// NewTransportError wraps err as a TransportError. If err is already a
// TransportError, it is returned as is.
func NewTransportError(endpoint, op string, err error) error {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return err
	}
	return &TransportError{Endpoint: endpoint, Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport returns true if err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// Kind is a coarse classification of errors.
type Kind int

const (
	// KindNone is the classification of a nil error.
	KindNone Kind = iota
	// KindApplication is any error that is not synthesized by the client or
	// the transport. These come from the remote service.
	KindApplication
	// KindTransport is a connection-level failure.
	KindTransport
	// KindResourceExhausted is a saturated pool or worker set.
	KindResourceExhausted
	// KindTimeout is an elapsed deadline.
	KindTimeout
	// KindCanceled is a call abandoned by its caller (the caller's context
	// was cancelled or its own deadline passed).
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindApplication:
		return "application"
	case KindTransport:
		return "transport"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses the name of a kind, as produced by Kind.String. It is
// case-insensitive and also accepts hyphens in place of underscores.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for kind := KindApplication; kind <= KindCanceled; kind++ {
		if kind.String() == normalized {
			return kind, nil
		}
	}
	return KindNone, fmt.Errorf("%w: unknown error kind %q", ErrInvalidArgument, name)
}

// Classify returns the kind of the given error. Synthesized kinds take
// precedence over transport errors, so a transport failure caused by an
// elapsed deadline is classified as a timeout.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case IsTransport(err):
		return KindTransport
	default:
		return KindApplication
	}
}

// IsRetryable returns false for the kinds that are never retried regardless
// of the configured predicate: timeouts, resource exhaustion, and
// cancellations.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindResourceExhausted, KindCanceled, KindNone:
		return false
	default:
		return true
	}
}

// MatchKinds returns a predicate that reports whether an error belongs to
// any of the given kinds.
func MatchKinds(kinds ...Kind) func(error) bool {
	set := make(map[Kind]struct{}, len(kinds))
	for _, kind := range kinds {
		set[kind] = struct{}{}
	}
	return func(err error) bool {
		_, ok := set[Classify(err)]
		return ok
	}
}
