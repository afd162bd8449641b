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

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/rpcerr"
)

// ErrNotCheckedOut is returned when a value is released or removed but is
// not currently checked out of the pool, for example because it was
// already released once.
var ErrNotCheckedOut = errors.New("value is not checked out of the pool")

// Lifecycle creates, checks, and destroys the values held by an ObjectPool.
type Lifecycle[T any] interface {
	// Create makes a new value. It must give up when ctx is done.
	Create(ctx context.Context) (T, error)
	// Validate reports whether an idle value may be handed out again.
	Validate(value T) bool
	// Destroy releases the resources held by value.
	Destroy(value T) error
}

// Stats is a point-in-time view of an ObjectPool.
type Stats struct {
	// Idle values are owned by the pool and ready to be reused.
	Idle int
	// CheckedOut values are owned by callers.
	CheckedOut int
	// Creating is the number of values currently being created. They count
	// toward the pool's capacity.
	Creating int
	// Max is the capacity of the pool.
	Max int
}

// ObjectPool is a bounded pool of reusable values. A value is either idle,
// owned by the pool, or checked out, owned by exactly one caller until it is
// passed back to Release or Remove.
//
// T must be comparable because checked-out values are tracked by identity.
// Pointer types are the natural choice.
type ObjectPool[T comparable] struct {
	lifecycle Lifecycle[T]
	maxSize   int
	clock     internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	idle []T
	// +checklocks:mu
	checkedOut map[T]struct{}
	// +checklocks:mu
	creating int
	// +checklocks:mu
	waiters []chan struct{}
	// +checklocks:mu
	closed bool
}

// NewObjectPool returns a pool that holds at most maxSize values, idle and
// checked out combined.
func NewObjectPool[T comparable](lifecycle Lifecycle[T], maxSize int) *ObjectPool[T] {
	return newObjectPool(lifecycle, maxSize, internal.NewRealClock())
}

func newObjectPool[T comparable](lifecycle Lifecycle[T], maxSize int, clock internal.Clock) *ObjectPool[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &ObjectPool[T]{
		lifecycle:  lifecycle,
		maxSize:    maxSize,
		clock:      clock,
		checkedOut: map[T]struct{}{},
	}
}

// Acquire checks out a value. An idle value is reused if one passes
// validation; idle values that fail validation are destroyed. Otherwise a
// new value is created if the pool is under capacity.
//
// When the pool is at capacity, a zero timeout fails immediately with
// rpcerr.ErrResourceExhausted. A positive timeout waits that long for
// another caller to release or remove a value and then fails with
// rpcerr.ErrAcquireTimeout.
//
// Creation errors are returned as is and do not consume capacity.
func (p *ObjectPool[T]) Acquire(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var deadline time.Time
	if timeout > 0 {
		deadline = p.clock.Now().Add(timeout)
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, rpcerr.ErrClosed
		}
		if n := len(p.idle); n > 0 {
			value := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.checkedOut[value] = struct{}{}
			p.mu.Unlock()
			if p.lifecycle.Validate(value) {
				return value, nil
			}
			_ = p.Remove(value)
			continue
		}
		if p.sizeLocked() < p.maxSize {
			p.creating++
			p.mu.Unlock()
			return p.create(ctx)
		}
		if timeout <= 0 {
			p.mu.Unlock()
			return zero, fmt.Errorf("%w: all %d slots in use", rpcerr.ErrResourceExhausted, p.maxSize)
		}
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			p.mu.Unlock()
			return zero, rpcerr.ErrAcquireTimeout
		}
		wake := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		if err := p.wait(ctx, wake, remaining); err != nil {
			return zero, err
		}
	}
}

func (p *ObjectPool[T]) create(ctx context.Context) (T, error) {
	value, err := p.lifecycle.Create(ctx)
	p.mu.Lock()
	p.creating--
	if err != nil {
		p.notifyOneLocked()
		p.mu.Unlock()
		var zero T
		return zero, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = p.lifecycle.Destroy(value)
		var zero T
		return zero, rpcerr.ErrClosed
	}
	p.checkedOut[value] = struct{}{}
	p.mu.Unlock()
	return value, nil
}

func (p *ObjectPool[T]) wait(ctx context.Context, wake chan struct{}, timeout time.Duration) error {
	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()
	var err error
	select {
	case <-wake:
		return nil
	case <-timer.Chan():
		err = rpcerr.ErrAcquireTimeout
	case <-ctx.Done():
		err = context.Cause(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, waiter := range p.waiters {
		if waiter == wake {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return err
		}
	}
	// Already dequeued by a notification we are not going to use, so pass
	// it on to the next waiter.
	p.notifyOneLocked()
	return err
}

// Release returns a checked-out value to the pool. If the pool is closed,
// the value is destroyed instead.
func (p *ObjectPool[T]) Release(value T) error {
	p.mu.Lock()
	if _, ok := p.checkedOut[value]; !ok {
		p.mu.Unlock()
		return ErrNotCheckedOut
	}
	delete(p.checkedOut, value)
	if p.closed {
		p.mu.Unlock()
		return p.lifecycle.Destroy(value)
	}
	p.idle = append(p.idle, value)
	p.notifyOneLocked()
	p.mu.Unlock()
	return nil
}

// Remove destroys a checked-out value and frees its slot.
func (p *ObjectPool[T]) Remove(value T) error {
	p.mu.Lock()
	if _, ok := p.checkedOut[value]; !ok {
		p.mu.Unlock()
		return ErrNotCheckedOut
	}
	delete(p.checkedOut, value)
	p.notifyOneLocked()
	p.mu.Unlock()
	return p.lifecycle.Destroy(value)
}

// HasCapacity reports whether Acquire could currently succeed without
// waiting: the pool is open and has an idle value or a free slot.
func (p *ObjectPool[T]) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && (len(p.idle) > 0 || p.sizeLocked() < p.maxSize)
}

// Stats returns the current counts of the pool.
func (p *ObjectPool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:       len(p.idle),
		CheckedOut: len(p.checkedOut),
		Creating:   p.creating,
		Max:        p.maxSize,
	}
}

// Close destroys all idle values. Values that are checked out are
// destroyed when they are released or removed. Waiting callers fail with
// rpcerr.ErrClosed.
func (p *ObjectPool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, waiter := range p.waiters {
		waiter <- struct{}{}
	}
	p.waiters = nil
	p.mu.Unlock()

	var errs []error
	for _, value := range idle {
		if err := p.lifecycle.Destroy(value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// +checklocks:p.mu
func (p *ObjectPool[T]) sizeLocked() int {
	return len(p.idle) + len(p.checkedOut) + p.creating
}

// +checklocks:p.mu
func (p *ObjectPool[T]) notifyOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	waiter := p.waiters[0]
	p.waiters = p.waiters[1:]
	waiter <- struct{}{}
}
