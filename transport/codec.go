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

package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Codec encodes requests and decodes responses. In framed mode, each call
// to WriteRequest and ReadResponse sees exactly one message. In unframed
// mode, they operate on the connection's buffered stream, so the encoding
// must be self-delimiting.
type Codec interface {
	// WriteRequest encodes a call of method with the given request.
	WriteRequest(w io.Writer, method string, req any) error
	// ReadResponse decodes a response into reply. Errors reported by the
	// remote service must be, or wrap, a *RemoteError: they are returned to
	// the caller as is and the connection stays usable. In framed mode, any
	// other error that is not caused by reading from the connection is
	// treated the same way. In unframed mode it leaves the stream position
	// unknown, so the connection is closed and the error is reported as a
	// transport failure.
	ReadResponse(r io.Reader, reply any) error
}

// RemoteError is an error reported by the remote service.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// JSONCodec encodes each message as one JSON value: requests as
// {"method": ..., "params": ...} and responses as {"result": ...} or
// {"error": {"message": ...}}.
type JSONCodec struct{}

type jsonRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type jsonResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonError      `json:"error,omitempty"`
}

type jsonError struct {
	Message string `json:"message"`
}

// WriteRequest implements Codec.
func (JSONCodec) WriteRequest(w io.Writer, method string, req any) error {
	params, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	return json.NewEncoder(w).Encode(jsonRequest{Method: method, Params: params})
}

// ReadResponse implements Codec.
func (JSONCodec) ReadResponse(r io.Reader, reply any) error {
	var response jsonResponse
	if err := json.NewDecoder(r).Decode(&response); err != nil {
		return err
	}
	if response.Error != nil {
		return &RemoteError{Message: response.Error.Message}
	}
	if reply == nil || len(response.Result) == 0 {
		return nil
	}
	return json.Unmarshal(response.Result, reply)
}

// ProtoCodec encodes protobuf messages, each preceded by its varint
// length. A request is the method name as a StringValue followed by the
// request message. A response is a StringValue holding the error message,
// empty on success, followed by the reply message on success.
type ProtoCodec struct{}

var errNotProto = errors.New("value is not a proto.Message")

// WriteRequest implements Codec.
func (ProtoCodec) WriteRequest(w io.Writer, method string, req any) error {
	msg, ok := req.(proto.Message)
	if !ok {
		return fmt.Errorf("encoding %s request: %w", method, errNotProto)
	}
	if _, err := protodelim.MarshalTo(w, wrapperspb.String(method)); err != nil {
		return err
	}
	_, err := protodelim.MarshalTo(w, msg)
	return err
}

// ReadResponse implements Codec.
func (ProtoCodec) ReadResponse(r io.Reader, reply any) error {
	reader := asByteReader(r)
	var status wrapperspb.StringValue
	if err := protodelim.UnmarshalFrom(reader, &status); err != nil {
		return err
	}
	if status.GetValue() != "" {
		return &RemoteError{Message: status.GetValue()}
	}
	msg, ok := reply.(proto.Message)
	if !ok {
		return errNotProto
	}
	return protodelim.UnmarshalFrom(reader, msg)
}

func asByteReader(r io.Reader) protodelim.Reader {
	if reader, ok := r.(protodelim.Reader); ok {
		return reader
	}
	return bufio.NewReader(r)
}
