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

package rpcerr_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinels(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, rpcerr.ErrNoEndpointsAvailable, rpcerr.ErrResourceExhausted)
	assert.ErrorIs(t, rpcerr.ErrSaturated, rpcerr.ErrResourceExhausted)
	assert.NotErrorIs(t, rpcerr.ErrSaturated, rpcerr.ErrNoEndpointsAvailable)
	assert.ErrorIs(t, rpcerr.ErrAcquireTimeout, rpcerr.ErrTimeout)
	assert.NotErrorIs(t, rpcerr.ErrTimeout, rpcerr.ErrResourceExhausted)
	assert.NotErrorIs(t, rpcerr.ErrResourceExhausted, rpcerr.ErrTimeout)
}

func TestTransportError(t *testing.T) {
	t.Parallel()

	err := rpcerr.NewTransportError("10.0.0.1:9090", "read", io.ErrUnexpectedEOF)
	assert.True(t, rpcerr.IsTransport(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "transport read 10.0.0.1:9090: unexpected EOF", err.Error())

	// no double wrapping
	again := rpcerr.NewTransportError("10.0.0.1:9090", "write", err)
	assert.Same(t, err, again)

	wrapped := fmt.Errorf("call failed: %w", err)
	assert.True(t, rpcerr.IsTransport(wrapped))
	assert.False(t, rpcerr.IsTransport(errors.New("boom")))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	appErr := errors.New("no such user")
	testCases := []struct {
		err  error
		kind rpcerr.Kind
	}{
		{nil, rpcerr.KindNone},
		{appErr, rpcerr.KindApplication},
		{rpcerr.NewTransportError("a:1", "dial", io.EOF), rpcerr.KindTransport},
		{rpcerr.ErrResourceExhausted, rpcerr.KindResourceExhausted},
		{rpcerr.ErrNoEndpointsAvailable, rpcerr.KindResourceExhausted},
		{rpcerr.ErrAcquireTimeout, rpcerr.KindTimeout},
		{fmt.Errorf("%w: after 1s", rpcerr.ErrTimeout), rpcerr.KindTimeout},
		{rpcerr.NewTransportError("a:1", "read", rpcerr.ErrTimeout), rpcerr.KindTimeout},
		{context.Canceled, rpcerr.KindCanceled},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.kind, rpcerr.Classify(testCase.err), "%v", testCase.err)
	}
	assert.True(t, rpcerr.IsRetryable(appErr))
	assert.True(t, rpcerr.IsRetryable(rpcerr.NewTransportError("a:1", "read", io.EOF)))
	assert.False(t, rpcerr.IsRetryable(rpcerr.ErrTimeout))
	assert.False(t, rpcerr.IsRetryable(rpcerr.ErrNoEndpointsAvailable))
	assert.False(t, rpcerr.IsRetryable(context.Canceled))
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	kind, err := rpcerr.ParseKind("Transport")
	require.NoError(t, err)
	assert.Equal(t, rpcerr.KindTransport, kind)
	kind, err = rpcerr.ParseKind("resource-exhausted")
	require.NoError(t, err)
	assert.Equal(t, rpcerr.KindResourceExhausted, kind)
	_, err = rpcerr.ParseKind("none")
	require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
	_, err = rpcerr.ParseKind("bogus")
	require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)

	match := rpcerr.MatchKinds(rpcerr.KindTransport, rpcerr.KindApplication)
	assert.True(t, match(errors.New("app")))
	assert.False(t, match(rpcerr.ErrTimeout))
}
