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

// Package grpctransport provides a conn.Factory whose connections are gRPC
// client connections, each pinned to a single endpoint, and a
// health.Prober that uses the standard gRPC health service.
//
// Pooling and endpoint selection stay with rpclb: every connection is
// created with a passthrough target, so gRPC neither resolves nor balances
// on its own.
package grpctransport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bufbuild/rpclb/conn"
	"github.com/bufbuild/rpclb/health"
	"github.com/bufbuild/rpclb/resolver"
	"github.com/bufbuild/rpclb/rpcerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Options configure the connections created by NewFactory.
type Options struct {
	// ServiceName is the fully-qualified gRPC service name, like
	// "acme.greeter.v1.Greeter". Method names given to Invoke are resolved
	// against it unless they already are full method paths ("/svc/Method").
	ServiceName string
	// DialOptions are passed to grpc.NewClient. Without any transport
	// credentials option, insecure credentials are used.
	DialOptions []grpc.DialOption
}

// NewFactory returns a factory of gRPC connections.
func NewFactory(options Options) conn.Factory {
	return &factory{options: options}
}

type factory struct {
	options Options
}

func (f *factory) Dial(ctx context.Context, endpoint resolver.Endpoint) (conn.Conn, error) {
	clientConn, err := dial(ctx, endpoint, f.options.DialOptions)
	if err != nil {
		return nil, err
	}
	return &grpcConn{endpoint: endpoint, clientConn: clientConn, service: f.options.ServiceName}, nil
}

func (f *factory) Validate(c conn.Conn) bool {
	grpcConn, ok := c.(*grpcConn)
	if !ok {
		return c.State() == conn.StateOpen
	}
	switch grpcConn.clientConn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	default:
		return true
	}
}

func dial(ctx context.Context, endpoint resolver.Endpoint, dialOptions []grpc.DialOption) (*grpc.ClientConn, error) {
	options := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOptions...)
	clientConn, err := grpc.NewClient("passthrough:///"+endpoint.String(), options...)
	if err != nil {
		return nil, rpcerr.NewTransportError(endpoint.String(), "dial", err)
	}
	if err := waitReady(ctx, clientConn); err != nil {
		_ = clientConn.Close()
		return nil, rpcerr.NewTransportError(endpoint.String(), "dial", err)
	}
	return clientConn, nil
}

var errConnectFailed = errors.New("connection failed")

func waitReady(ctx context.Context, clientConn *grpc.ClientConn) error {
	clientConn.Connect()
	for {
		state := clientConn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("%w: %s", errConnectFailed, state)
		case connectivity.Idle:
			clientConn.Connect()
		case connectivity.Connecting:
		}
		if !clientConn.WaitForStateChange(ctx, state) {
			return context.Cause(ctx)
		}
	}
}

type grpcConn struct {
	endpoint   resolver.Endpoint
	clientConn *grpc.ClientConn
	service    string
}

func (c *grpcConn) Endpoint() resolver.Endpoint {
	return c.endpoint
}

func (c *grpcConn) State() conn.State {
	if c.clientConn.GetState() == connectivity.Shutdown {
		return conn.StateClosed
	}
	return conn.StateOpen
}

func (c *grpcConn) Close() error {
	if c.clientConn.GetState() == connectivity.Shutdown {
		return nil
	}
	return c.clientConn.Close()
}

// Invoke issues a unary call. Unavailable status errors are transport
// failures; every other status is returned as an application error.
func (c *grpcConn) Invoke(ctx context.Context, method string, req, reply any) error {
	err := c.clientConn.Invoke(ctx, c.fullMethod(method), req, reply)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}
	if status.Code(err) == codes.Unavailable {
		return rpcerr.NewTransportError(c.endpoint.String(), "invoke", err)
	}
	return err
}

func (c *grpcConn) fullMethod(method string) string {
	if strings.HasPrefix(method, "/") || c.service == "" {
		return method
	}
	return "/" + c.service + "/" + method
}

// NewHealthProber returns a prober that connects to the endpoint and asks
// the gRPC health service for the status of service. An empty service asks
// about the server as a whole.
func NewHealthProber(service string, dialOptions ...grpc.DialOption) health.Prober {
	return health.ProberFunc(func(ctx context.Context, endpoint resolver.Endpoint) health.State {
		clientConn, err := dial(ctx, endpoint, dialOptions)
		if err != nil {
			return health.StateUnhealthy
		}
		defer clientConn.Close()
		response, err := healthpb.NewHealthClient(clientConn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return health.StateUnknown
			}
			return health.StateUnhealthy
		}
		switch response.GetStatus() {
		case healthpb.HealthCheckResponse_SERVING:
			return health.StateHealthy
		case healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_SERVICE_UNKNOWN:
			return health.StateUnhealthy
		default:
			return health.StateUnknown
		}
	})
}
