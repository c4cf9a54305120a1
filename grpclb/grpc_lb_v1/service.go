/*
 *
 * Copyright 2024 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package grpc_lb_v1

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name the grpclb protocol
// is served at.
const ServiceName = "grpc.lb.v1.LoadBalancer"

var balanceLoadStreamDesc = grpc.StreamDesc{
	StreamName:    "BalanceLoad",
	ServerStreams: true,
	ClientStreams: true,
}

// LoadBalancerClient is the client API for the LoadBalancer service.
type LoadBalancerClient interface {
	BalanceLoad(ctx context.Context, opts ...grpc.CallOption) (LoadBalancer_BalanceLoadClient, error)
}

type loadBalancerClient struct {
	cc grpc.ClientConnInterface
}

// NewLoadBalancerClient creates a client stub for the LoadBalancer service.
func NewLoadBalancerClient(cc grpc.ClientConnInterface) LoadBalancerClient {
	return &loadBalancerClient{cc: cc}
}

func (c *loadBalancerClient) BalanceLoad(ctx context.Context, opts ...grpc.CallOption) (LoadBalancer_BalanceLoadClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Name)}, opts...)
	stream, err := c.cc.NewStream(ctx, &balanceLoadStreamDesc, "/"+ServiceName+"/BalanceLoad", opts...)
	if err != nil {
		return nil, err
	}
	return &balanceLoadClientStream{stream}, nil
}

// LoadBalancer_BalanceLoadClient is the client side of the bidirectional
// BalanceLoad stream.
type LoadBalancer_BalanceLoadClient interface {
	Send(*LoadBalanceRequest) error
	Recv() (*LoadBalanceResponse, error)
	grpc.ClientStream
}

type balanceLoadClientStream struct {
	grpc.ClientStream
}

func (s *balanceLoadClientStream) Send(m *LoadBalanceRequest) error {
	return s.ClientStream.SendMsg(m)
}

func (s *balanceLoadClientStream) Recv() (*LoadBalanceResponse, error) {
	m := new(LoadBalanceResponse)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadBalancerServer is the server API for the LoadBalancer service.
type LoadBalancerServer interface {
	BalanceLoad(LoadBalancer_BalanceLoadServer) error
}

// UnimplementedLoadBalancerServer may be embedded to satisfy the interface
// for fakes that only need a subset of behavior.
type UnimplementedLoadBalancerServer struct{}

func (UnimplementedLoadBalancerServer) BalanceLoad(LoadBalancer_BalanceLoadServer) error {
	return nil
}

// LoadBalancer_BalanceLoadServer is the server side of the bidirectional
// BalanceLoad stream.
type LoadBalancer_BalanceLoadServer interface {
	Send(*LoadBalanceResponse) error
	Recv() (*LoadBalanceRequest, error)
	grpc.ServerStream
}

type balanceLoadServerStream struct {
	grpc.ServerStream
}

func (s *balanceLoadServerStream) Send(m *LoadBalanceResponse) error {
	return s.ServerStream.SendMsg(m)
}

func (s *balanceLoadServerStream) Recv() (*LoadBalanceRequest, error) {
	m := new(LoadBalanceRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterLoadBalancerServer registers srv to serve the LoadBalancer
// service on s.
func RegisterLoadBalancerServer(s grpc.ServiceRegistrar, srv LoadBalancerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LoadBalancerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "BalanceLoad",
			Handler:       balanceLoadHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "grpc_lb_v1/load_balancer.proto",
}

func balanceLoadHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LoadBalancerServer).BalanceLoad(&balanceLoadServerStream{stream})
}
