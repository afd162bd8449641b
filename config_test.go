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

package rpclb_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bufbuild/rpclb"
	"github.com/bufbuild/rpclb/rpcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()

	want := rpclb.Config{
		MaxConnectionsPerEndpoint: 4,
		ConnectTimeout:            250 * time.Millisecond,
		AcquireTimeout:            time.Second,
		RequestTimeout:            2 * time.Second,
		DeadlineScope:             rpclb.DeadlinePerCall,
		DeadlineWorkers:           100,
		Retries:                   2,
		RetryOn:                   []rpcerr.Kind{rpcerr.KindTransport, rpcerr.KindApplication},
		Unframed:                  true,
		Debug:                     true,
	}
	testCases := []struct {
		format string
		data   string
	}{
		{
			format: "yaml",
			data: `
max_connections_per_endpoint: 4
connect_timeout: 250ms
acquire_timeout: 1s
request_timeout: 2s
deadline_scope: call
retries: 2
retry_on: [transport, application]
framed_transport: false
debug: true
`,
		},
		{
			format: "toml",
			data: `
max_connections_per_endpoint = 4
connect_timeout = "250ms"
acquire_timeout = "1s"
request_timeout = "2s"
deadline_scope = "call"
retries = 2
retry_on = ["transport", "application"]
framed_transport = false
debug = true
`,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.format, func(t *testing.T) {
			t.Parallel()
			config, err := rpclb.ParseConfig([]byte(testCase.data), testCase.format)
			require.NoError(t, err)
			assert.Equal(t, want, config)
		})
	}
}

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	config, err := rpclb.ParseConfig([]byte("retries: 1\n"), "yml")
	require.NoError(t, err)
	want := rpclb.DefaultConfig()
	want.Retries = 1
	assert.Equal(t, want, config)
	assert.Equal(t, 10, config.MaxConnectionsPerEndpoint)
	assert.Equal(t, 5*time.Second, config.ConnectTimeout)
	assert.Zero(t, config.AcquireTimeout)
	assert.Zero(t, config.RequestTimeout)
	assert.Equal(t, rpclb.DeadlinePerAttempt, config.DeadlineScope)
	assert.Equal(t, []rpcerr.Kind{rpcerr.KindTransport}, config.RetryOn)
	assert.False(t, config.Unframed)
	assert.False(t, config.NonBlocking)
	assert.False(t, config.Debug)
}

func TestParseConfigErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		format string
		data   string
	}{
		{name: "bad_duration", format: "yaml", data: "connect_timeout: soon\n"},
		{name: "negative_duration", format: "toml", data: "request_timeout = \"-1s\"\n"},
		{name: "negative_retries", format: "yaml", data: "retries: -1\n"},
		{name: "unknown_kind", format: "yaml", data: "retry_on: [flaky]\n"},
		{name: "never_retried_kind", format: "toml", data: "retry_on = [\"timeout\"]\n"},
		{name: "unknown_scope", format: "yaml", data: "deadline_scope: forever\n"},
		{name: "unknown_yaml_key", format: "yaml", data: "retires: 2\n"},
		{name: "unknown_toml_key", format: "toml", data: "retires = 2\n"},
		{name: "malformed", format: "toml", data: "retries = \n"},
		{name: "unknown_format", format: "json", data: "{}"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			_, err := rpclb.ParseConfig([]byte(testCase.data), testCase.format)
			require.ErrorIs(t, err, rpcerr.ErrInvalidArgument)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("retries = 3\nblocking = false\n"), 0o600))
	config, err := rpclb.LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, config.Retries)
	assert.True(t, config.NonBlocking)
	assert.False(t, config.Unframed)

	_, err = rpclb.LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, rpclb.DefaultConfig().Validate())
	require.NoError(t, rpclb.Config{}.Validate())

	config := rpclb.DefaultConfig()
	config.MaxConnectionsPerEndpoint = -1
	require.ErrorIs(t, config.Validate(), rpcerr.ErrInvalidArgument)

	config = rpclb.DefaultConfig()
	config.DeadlineWorkers = -5
	require.ErrorIs(t, config.Validate(), rpcerr.ErrInvalidArgument)

	config = rpclb.DefaultConfig()
	config.RetryOn = []rpcerr.Kind{rpcerr.KindNone}
	require.ErrorIs(t, config.Validate(), rpcerr.ErrInvalidArgument)
}
