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

// Package grpc_lb_v1 contains the message and service types for the
// grpc.lb.v1.LoadBalancer protocol
// (https://github.com/grpc/grpc/blob/master/doc/load-balancing.md).
//
// The wire encoding of these messages is delegated to a small custom codec
// (see codec.go) rather than to protoc-generated bindings: the core grpclb
// policy only cares about the tagged-union shape below, and code generation
// from a .proto file is outside the scope of this module.
package grpc_lb_v1

import "google.golang.org/protobuf/types/known/durationpb"

// LoadBalanceRequest is sent by the client, either as the first message on
// the stream (InitialRequest set) or as a periodic load report
// (ClientStats set).
type LoadBalanceRequest struct {
	InitialRequest *InitialLoadBalanceRequest
	ClientStats    *ClientStats
}

// InitialLoadBalanceRequest carries the name of the service the client
// wants to be load balanced for. It may be a bare service name or a
// "service:port" pair.
type InitialLoadBalanceRequest struct {
	Name string
}

// ClientStats is a snapshot of ClientStats counters, sent by the client in a
// LoadBalanceRequest.ClientStats at the report interval negotiated in
// InitialLoadBalanceResponse.
type ClientStats struct {
	Timestamp                              *durationpb.Duration
	NumCallsStarted                        int64
	NumCallsFinished                       int64
	NumCallsFinishedWithClientFailedToSend int64
	NumCallsFinishedKnownReceived          int64
	CallsFinishedWithDrop                  []*ClientStatsPerToken
}

// ClientStatsPerToken is the drop count for a single LB token bucket.
type ClientStatsPerToken struct {
	LoadBalanceToken string
	NumCalls         int64
}

// LoadBalanceResponse is sent by the balancer, either as the first message
// on the stream (InitialResponse set) or repeatedly thereafter (ServerList
// or FallbackResponse set).
type LoadBalanceResponse struct {
	InitialResponse *InitialLoadBalanceResponse
	ServerList      *ServerList
	FallbackResponse *FallbackResponse
}

// InitialLoadBalanceResponse negotiates the load report interval and,
// optionally, delegates to another balancer name (delegation is not
// implemented by this module: a non-empty delegate is logged and ignored).
type InitialLoadBalanceResponse struct {
	LoadBalancerDelegate       string
	ClientStatsReportInterval *durationpb.Duration
}

// ServerList is the balancer's current answer: an ordered list of backend
// entries and/or drop markers.
type ServerList struct {
	Servers []*Server
}

// FallbackResponse instructs the client to use resolver-supplied backends
// until further notice.
type FallbackResponse struct{}

// Server is one entry of a ServerList: either a backend address or a drop
// marker (drop if DropForLoadBalancing is true; LoadBalanceToken still
// identifies the drop bucket).
type Server struct {
	IpAddress            []byte
	Port                 int32
	LoadBalanceToken     string
	DropForLoadBalancing bool
}
