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
	"reflect"

	"github.com/bufbuild/rpclb/caller"
)

// ServiceDesc describes a remote service and how to build its facade.
//
// A facade is a hand-written or generated adapter type whose methods
// delegate to the caller it is built with. For example:
//
//	type GreeterClient interface {
//		Hello(ctx context.Context, req *HelloRequest) (*HelloReply, error)
//	}
//
//	type greeterClient struct{ caller caller.Caller }
//
//	func (c *greeterClient) Hello(ctx context.Context, req *HelloRequest) (*HelloReply, error) {
//		reply := &HelloReply{}
//		if err := c.caller.Invoke(ctx, "Hello", req, reply); err != nil {
//			return nil, err
//		}
//		return reply, nil
//	}
//
//	var GreeterDesc = &rpclb.ServiceDesc{
//		ServiceName: "Greeter",
//		Methods:     []rpclb.MethodDesc{{Name: "Hello"}},
//		ClientType:  (*GreeterClient)(nil),
//		NewClient: func(c caller.Caller) any {
//			return &greeterClient{caller: c}
//		},
//	}
type ServiceDesc struct {
	// ServiceName names the service. It prefixes the names of the client's
	// stats counters.
	ServiceName string
	// Methods lists the methods that may be invoked.
	Methods []MethodDesc
	// ClientType is a nil pointer to the blocking facade's interface, like
	// (*GreeterClient)(nil).
	ClientType any
	// AsyncClientType is a nil pointer to the async facade's interface.
	AsyncClientType any
	// NewClient builds the blocking facade. Required unless the client is
	// configured as non-blocking.
	NewClient func(caller.Caller) any
	// NewAsyncClient builds the async facade. Required when the client is
	// configured as non-blocking.
	NewAsyncClient func(caller.AsyncCaller) any
}

// MethodDesc describes one method of a service.
type MethodDesc struct {
	Name string
}

func (d *ServiceDesc) validate(blocking bool) error {
	if d == nil {
		return invalidArgument("nil service description")
	}
	if d.ServiceName == "" {
		return invalidArgument("service name is empty")
	}
	if len(d.Methods) == 0 {
		return invalidArgument("service %s declares no methods", d.ServiceName)
	}
	seen := make(map[string]struct{}, len(d.Methods))
	for _, method := range d.Methods {
		if method.Name == "" {
			return invalidArgument("service %s declares a method with no name", d.ServiceName)
		}
		if _, ok := seen[method.Name]; ok {
			return invalidArgument("service %s declares method %s more than once", d.ServiceName, method.Name)
		}
		seen[method.Name] = struct{}{}
	}
	if blocking && d.NewClient == nil {
		return invalidArgument("service %s has no blocking client constructor", d.ServiceName)
	}
	if !blocking && d.NewAsyncClient == nil {
		return invalidArgument("service %s has no async client constructor", d.ServiceName)
	}
	return nil
}

func (d *ServiceDesc) methodSet() map[string]struct{} {
	methods := make(map[string]struct{}, len(d.Methods))
	for _, method := range d.Methods {
		methods[method.Name] = struct{}{}
	}
	return methods
}

// declaredInterface returns the interface type that typ, a nil pointer to
// an interface, points to.
func declaredInterface(service string, field string, typ any) (reflect.Type, error) {
	if typ == nil {
		return nil, invalidArgument("service %s: %s is not set", service, field)
	}
	ptr := reflect.TypeOf(typ)
	if ptr.Kind() != reflect.Pointer || ptr.Elem().Kind() != reflect.Interface {
		return nil, invalidArgument("service %s: %s must be a pointer to an interface, got %v", service, field, ptr)
	}
	return ptr.Elem(), nil
}

// buildFacade calls construct and checks that the result implements the
// declared interface, which must also be T.
func buildFacade[T any](desc *ServiceDesc, field string, declared any, construct func() any) (T, error) {
	var zero T
	iface, err := declaredInterface(desc.ServiceName, field, declared)
	if err != nil {
		return zero, err
	}
	if want := reflect.TypeFor[T](); want != iface {
		return zero, invalidArgument("service %s: client type parameter %v does not match declared %v", desc.ServiceName, want, iface)
	}
	facade := construct()
	if facade == nil {
		return zero, invalidArgument("service %s: constructor returned nil", desc.ServiceName)
	}
	if !reflect.TypeOf(facade).Implements(iface) {
		return zero, invalidArgument("service %s: %T does not implement %v", desc.ServiceName, facade, iface)
	}
	service, ok := facade.(T)
	if !ok {
		return zero, invalidArgument("service %s: %T is not a %v", desc.ServiceName, facade, iface)
	}
	return service, nil
}
