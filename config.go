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

package rpclb

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bufbuild/rpclb/rpcerr"
	"gopkg.in/yaml.v2"
)

// DeadlineScope selects what the request timeout bounds.
type DeadlineScope string

const (
	// DeadlinePerAttempt bounds every attempt of a call separately, so a
	// call with retries may take up to (Retries+1) * RequestTimeout.
	DeadlinePerAttempt DeadlineScope = "attempt"
	// DeadlinePerCall bounds all attempts of a call together.
	DeadlinePerCall DeadlineScope = "call"
)

const (
	defaultMaxConnectionsPerEndpoint = 10
	defaultConnectTimeout            = 5 * time.Second
	defaultDeadlineWorkers           = 100
)

var errUnknownFormat = errors.New("unknown config format")

// Config holds the settings of a client. It is a plain value: the client
// copies it when built, so one Config may be shared by many clients.
//
// Use DefaultConfig as a starting point. A zero field that has a default
// (MaxConnectionsPerEndpoint, ConnectTimeout, DeadlineScope,
// DeadlineWorkers, RetryOn) takes that default when the client is built.
// The zero Config builds a blocking client over framed streams.
type Config struct {
	// MaxConnectionsPerEndpoint bounds the connections, idle and checked
	// out, that are kept to each endpoint. Defaults to 10.
	MaxConnectionsPerEndpoint int
	// ConnectTimeout bounds obtaining a connection, including dialing a new
	// one. Defaults to 5 seconds.
	ConnectTimeout time.Duration
	// AcquireTimeout is how long a call waits for a connection to be
	// returned when every endpoint is at capacity. Zero, the default,
	// fails such calls right away with rpcerr.ErrResourceExhausted.
	AcquireTimeout time.Duration
	// RequestTimeout bounds calls. Zero disables it.
	RequestTimeout time.Duration
	// DeadlineScope selects whether RequestTimeout applies to each attempt
	// or to the whole call. Defaults to DeadlinePerAttempt.
	DeadlineScope DeadlineScope
	// DeadlineWorkers bounds the calls that may be running under a
	// request timeout at once. Defaults to 100.
	DeadlineWorkers int
	// Retries is the number of extra attempts made for a failed call.
	Retries int
	// RetryOn lists the kinds of errors that are retried. Defaults to
	// transport errors only.
	RetryOn []rpcerr.Kind
	// Unframed makes the built-in stream transport write messages straight
	// to the stream instead of length-prefixing each one. The codec must
	// then be self-delimiting. In config files this is framed_transport,
	// inverted.
	Unframed bool
	// NonBlocking selects the async facade (ServiceDesc.NewAsyncClient)
	// over the blocking one (ServiceDesc.NewClient). In config files this
	// is blocking, inverted.
	NonBlocking bool
	// Debug adds a stage that logs every call at debug level.
	Debug bool
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerEndpoint: defaultMaxConnectionsPerEndpoint,
		ConnectTimeout:            defaultConnectTimeout,
		DeadlineScope:             DeadlinePerAttempt,
		DeadlineWorkers:           defaultDeadlineWorkers,
		RetryOn:                   []rpcerr.Kind{rpcerr.KindTransport},
	}
}

// Validate reports the first invalid setting, if any. The error wraps
// rpcerr.ErrInvalidArgument.
func (c Config) Validate() error {
	switch {
	case c.MaxConnectionsPerEndpoint < 0:
		return invalidArgument("max connections per endpoint must not be negative: %d", c.MaxConnectionsPerEndpoint)
	case c.ConnectTimeout < 0:
		return invalidArgument("connect timeout must not be negative: %v", c.ConnectTimeout)
	case c.AcquireTimeout < 0:
		return invalidArgument("acquire timeout must not be negative: %v", c.AcquireTimeout)
	case c.RequestTimeout < 0:
		return invalidArgument("request timeout must not be negative: %v", c.RequestTimeout)
	case c.DeadlineWorkers < 0:
		return invalidArgument("deadline workers must not be negative: %d", c.DeadlineWorkers)
	case c.Retries < 0:
		return invalidArgument("retries must not be negative: %d", c.Retries)
	}
	switch c.DeadlineScope {
	case "", DeadlinePerAttempt, DeadlinePerCall:
	default:
		return invalidArgument("unknown deadline scope %q", c.DeadlineScope)
	}
	for _, kind := range c.RetryOn {
		switch kind {
		case rpcerr.KindApplication, rpcerr.KindTransport:
		case rpcerr.KindTimeout, rpcerr.KindResourceExhausted, rpcerr.KindCanceled:
			return invalidArgument("errors of kind %v are never retried", kind)
		default:
			return invalidArgument("unknown error kind %v", kind)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxConnectionsPerEndpoint == 0 {
		c.MaxConnectionsPerEndpoint = defaultMaxConnectionsPerEndpoint
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.DeadlineScope == "" {
		c.DeadlineScope = DeadlinePerAttempt
	}
	if c.DeadlineWorkers == 0 {
		c.DeadlineWorkers = defaultDeadlineWorkers
	}
	if len(c.RetryOn) == 0 {
		c.RetryOn = []rpcerr.Kind{rpcerr.KindTransport}
	} else {
		c.RetryOn = append([]rpcerr.Kind(nil), c.RetryOn...)
	}
	return c
}

// configFile is the file form of Config. Every field is optional; absent
// fields keep their defaults.
type configFile struct {
	MaxConnectionsPerEndpoint *int     `yaml:"max_connections_per_endpoint" toml:"max_connections_per_endpoint"`
	ConnectTimeout            string   `yaml:"connect_timeout" toml:"connect_timeout"`
	AcquireTimeout            string   `yaml:"acquire_timeout" toml:"acquire_timeout"`
	RequestTimeout            string   `yaml:"request_timeout" toml:"request_timeout"`
	DeadlineScope             string   `yaml:"deadline_scope" toml:"deadline_scope"`
	DeadlineWorkers           *int     `yaml:"deadline_workers" toml:"deadline_workers"`
	Retries                   *int     `yaml:"retries" toml:"retries"`
	RetryOn                   []string `yaml:"retry_on" toml:"retry_on"`
	FramedTransport           *bool    `yaml:"framed_transport" toml:"framed_transport"`
	Blocking                  *bool    `yaml:"blocking" toml:"blocking"`
	Debug                     *bool    `yaml:"debug" toml:"debug"`
}

// ParseConfig parses a YAML ("yaml" or "yml") or TOML ("toml") document
// into a Config. Fields missing from the document keep the values of
// DefaultConfig. Durations are written as strings, like "250ms" or "5s".
// The result is validated.
func ParseConfig(data []byte, format string) (Config, error) {
	var file configFile
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		if err := yaml.UnmarshalStrict(data, &file); err != nil {
			return Config{}, fmt.Errorf("%w: parse yaml config: %w", rpcerr.ErrInvalidArgument, err)
		}
	case "toml":
		meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&file)
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse toml config: %w", rpcerr.ErrInvalidArgument, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, invalidArgument("unknown toml config key %q", undecoded[0].String())
		}
	default:
		return Config{}, fmt.Errorf("%w: %w %q", rpcerr.ErrInvalidArgument, errUnknownFormat, format)
	}
	config, err := file.toConfig()
	if err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadConfigFile reads and parses the config file at path. The format is
// picked by the file's extension.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	config, err := ParseConfig(data, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return config, nil
}

func (f *configFile) toConfig() (Config, error) {
	config := DefaultConfig()
	if f.MaxConnectionsPerEndpoint != nil {
		config.MaxConnectionsPerEndpoint = *f.MaxConnectionsPerEndpoint
	}
	for _, duration := range []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"connect_timeout", f.ConnectTimeout, &config.ConnectTimeout},
		{"acquire_timeout", f.AcquireTimeout, &config.AcquireTimeout},
		{"request_timeout", f.RequestTimeout, &config.RequestTimeout},
	} {
		if duration.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(duration.value)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", rpcerr.ErrInvalidArgument, duration.name, err)
		}
		*duration.dest = parsed
	}
	if f.DeadlineScope != "" {
		config.DeadlineScope = DeadlineScope(strings.ToLower(f.DeadlineScope))
	}
	if f.DeadlineWorkers != nil {
		config.DeadlineWorkers = *f.DeadlineWorkers
	}
	if f.Retries != nil {
		config.Retries = *f.Retries
	}
	if f.RetryOn != nil {
		config.RetryOn = make([]rpcerr.Kind, 0, len(f.RetryOn))
		for _, name := range f.RetryOn {
			kind, err := rpcerr.ParseKind(name)
			if err != nil {
				return Config{}, fmt.Errorf("retry_on: %w", err)
			}
			config.RetryOn = append(config.RetryOn, kind)
		}
	}
	if f.FramedTransport != nil {
		config.Unframed = !*f.FramedTransport
	}
	if f.Blocking != nil {
		config.NonBlocking = !*f.Blocking
	}
	if f.Debug != nil {
		config.Debug = *f.Debug
	}
	return config, nil
}
