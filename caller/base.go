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

import (
	"context"
	"errors"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/rpcerr"
)

// ConnSource hands out connections. *pool.DynamicPool implements it.
type ConnSource interface {
	Acquire(ctx context.Context) (conn.Conn, error)
	Release(c conn.Conn) error
	Remove(c conn.Conn) error
}

// NewBase returns the innermost caller. It checks out a connection from
// source, issues the call on it, and then hands the connection back: to
// Release if the call succeeded or failed with an application error, or to
// Remove if the transport failed or the call was cancelled midway, since
// the connection may then hold a partial exchange.
func NewBase(source ConnSource) Caller {
	return &baseCaller{source: source}
}

type baseCaller struct {
	source ConnSource
}

func (b *baseCaller) Invoke(ctx context.Context, method string, req, reply any) error {
	record := attemptFromContext(ctx)
	c, err := b.source.Acquire(ctx)
	if err != nil {
		var dialErr *conn.DialError
		if errors.As(err, &dialErr) {
			record.setEndpoint(dialErr.Endpoint)
		}
		return err
	}
	record.setEndpoint(c.Endpoint())
	err = c.Invoke(ctx, method, req, reply)
	if err == nil || (ctx.Err() == nil && !rpcerr.IsTransport(err) && c.State() == conn.StateOpen) {
		_ = b.source.Release(c)
		return err
	}
	record.setConnDestroyed()
	_ = b.source.Remove(c)
	return err
}
