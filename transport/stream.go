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

// Package transport provides a conn.Factory over plain TCP streams.
//
// Each connection carries one call at a time. In framed mode, every request
// and response is sent as one frame: a 4-byte big-endian length followed by
// the message the Codec produced. In unframed mode, the Codec writes to and
// reads from the buffered stream directly.
//
// I/O failures, oversized frames, and cancellation all close the
// connection and are reported as *rpcerr.TransportError, as are codec
// failures that leave an unframed stream out of step. A *RemoteError from
// the codec is passed through as an application error.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
)

const (
	frameHeaderSize     = 4
	defaultMaxFrameSize = 16 << 20
	defaultBufferSize   = 32 << 10
)

var errFrameTooLarge = errors.New("frame exceeds maximum size")

// Options configure the connections created by NewFactory.
type Options struct {
	// Codec encodes requests and decodes responses. Defaults to JSONCodec.
	Codec Codec
	// Framed selects length-prefixed framing.
	Framed bool
	// MaxFrameSize bounds the size of a response frame. Defaults to 16 MiB.
	MaxFrameSize int
	// Dialer, if not nil, is used to open connections.
	Dialer *net.Dialer
}

// NewFactory returns a factory of TCP connections.
func NewFactory(options Options) conn.Factory {
	if options.Codec == nil {
		options.Codec = JSONCodec{}
	}
	if options.MaxFrameSize <= 0 {
		options.MaxFrameSize = defaultMaxFrameSize
	}
	if options.Dialer == nil {
		options.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	return &streamFactory{options: options}
}

type streamFactory struct {
	options Options
}

func (f *streamFactory) Dial(ctx context.Context, endpoint resolver.Endpoint) (conn.Conn, error) {
	netConn, err := f.options.Dialer.DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, rpcerr.NewTransportError(endpoint.String(), "dial", err)
	}
	return newStreamConn(endpoint, netConn, f.options), nil
}

func (f *streamFactory) Validate(c conn.Conn) bool {
	return c.State() == conn.StateOpen
}

type streamConn struct {
	endpoint resolver.Endpoint
	netConn  net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	options  Options
	// +checkatomic
	closed atomic.Bool
}

func newStreamConn(endpoint resolver.Endpoint, netConn net.Conn, options Options) *streamConn {
	return &streamConn{
		endpoint: endpoint,
		netConn:  netConn,
		reader:   bufio.NewReaderSize(netConn, defaultBufferSize),
		writer:   bufio.NewWriterSize(netConn, defaultBufferSize),
		options:  options,
	}
}

func (c *streamConn) Endpoint() resolver.Endpoint {
	return c.endpoint
}

func (c *streamConn) State() conn.State {
	if c.closed.Load() {
		return conn.StateClosed
	}
	return conn.StateOpen
}

func (c *streamConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.netConn.Close()
}

func (c *streamConn) Invoke(ctx context.Context, method string, req, reply any) error {
	if c.closed.Load() {
		return rpcerr.NewTransportError(c.endpoint.String(), "write", net.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	deadline, _ := ctx.Deadline()
	if err := c.netConn.SetDeadline(deadline); err != nil {
		return c.fail(ctx, "write", err)
	}
	// Cancellation closes the socket, which unblocks any pending I/O.
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	if err := c.writeRequest(ctx, method, req); err != nil {
		return err
	}
	return c.readResponse(ctx, reply)
}

func (c *streamConn) writeRequest(ctx context.Context, method string, req any) error {
	if !c.options.Framed {
		writer := &errWriter{w: c.writer}
		if err := c.options.Codec.WriteRequest(writer, method, req); err != nil {
			switch {
			case writer.err != nil:
				return c.fail(ctx, "write", writer.err)
			case writer.written:
				// Part of the request is buffered and would prefix the
				// next one.
				return c.fail(ctx, "encode", err)
			}
			return err
		}
		if err := c.writer.Flush(); err != nil {
			return c.fail(ctx, "write", err)
		}
		return nil
	}
	var body bytes.Buffer
	if err := c.options.Codec.WriteRequest(&body, method, req); err != nil {
		return err
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(body.Len())) //nolint:gosec // bounded by memory
	if _, err := c.writer.Write(header[:]); err != nil {
		return c.fail(ctx, "write", err)
	}
	if _, err := c.writer.Write(body.Bytes()); err != nil {
		return c.fail(ctx, "write", err)
	}
	if err := c.writer.Flush(); err != nil {
		return c.fail(ctx, "write", err)
	}
	return nil
}

func (c *streamConn) readResponse(ctx context.Context, reply any) error {
	if !c.options.Framed {
		reader := &errReader{r: c.reader}
		err := c.options.Codec.ReadResponse(reader, reply)
		var remoteErr *RemoteError
		switch {
		case err == nil:
			return nil
		case reader.err != nil:
			return c.fail(ctx, "read", reader.err)
		case !errors.As(err, &remoteErr):
			// Where the next response starts is unknown.
			return c.fail(ctx, "decode", err)
		}
		return err
	}
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return c.fail(ctx, "read", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if int64(size) > int64(c.options.MaxFrameSize) {
		return c.fail(ctx, "read", fmt.Errorf("%w: %d > %d", errFrameTooLarge, size, c.options.MaxFrameSize))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return c.fail(ctx, "read", err)
	}
	return c.options.Codec.ReadResponse(bytes.NewReader(body), reply)
}

// fail closes the connection and reports err as a transport failure. If ctx
// is done, the error also wraps its cause, since the failure is most likely
// the socket being closed on cancellation.
func (c *streamConn) fail(ctx context.Context, op string, err error) error {
	_ = c.Close()
	transportErr := rpcerr.NewTransportError(c.endpoint.String(), op, err)
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", context.Cause(ctx), transportErr)
	}
	return transportErr
}

// errReader remembers the first error from the underlying reader, so that
// stream failures can be told apart from decoding failures.
type errReader struct {
	r   *bufio.Reader
	err error
}

func (r *errReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.record(err)
	return n, err
}

func (r *errReader) ReadByte() (byte, error) {
	b, err := r.r.ReadByte()
	r.record(err)
	return b, err
}

func (r *errReader) record(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

type errWriter struct {
	w       io.Writer
	err     error
	written bool
}

func (w *errWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	w.written = w.written || n > 0
	return n, err
}
