/*
 *
 * Copyright 2022 gRPC authors.
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

// Package fakegrpclb provides a fake implementation of the grpclb server,
// for use in tests of the grpclb balancer package.
package fakegrpclb

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	lbpb "github.com/struqt/grpclb/grpclb/grpc_lb_v1"
)

// ServerParams wraps options passed while creating a Server.
type ServerParams struct {
	ListenPort int // Listening port for the balancer server; 0 picks any free port.

	LoadBalancedServiceName string   // Service name the client is expected to request.
	BackendAddresses        []string // Backend addresses sent in the first list of every stream.
	ShortStream             bool     // End the balancer stream after the first server list.
	// ClientStatsReportInterval, if non-zero, is advertised in the
	// InitialLoadBalanceResponse to turn on load reporting from the client.
	ClientStatsReportInterval time.Duration
}

// Server is a fake implementation of the grpclb LoadBalancer service driven
// by the ServerParams it was constructed with, plus any further lists sent
// with PushServerList. It records the ClientStats batches it receives so
// tests can assert on them.
type Server struct {
	lbpb.UnimplementedLoadBalancerServer

	serviceName    string
	servers        []*lbpb.Server
	shortStream    bool
	reportInterval time.Duration

	lis net.Listener

	mu           sync.Mutex
	grpcServer   *grpc.Server
	address      string
	statsReports []*lbpb.ClientStats
	stopped      chan struct{}
	stream       lbpb.LoadBalancer_BalanceLoadServer
}

// NewServer creates a new Server with the given params.
func NewServer(params ServerParams) (*Server, error) {
	var servers []*lbpb.Server
	for _, addr := range params.BackendAddresses {
		ipStr, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse backend address %q: %v", addr, err)
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("failed to parse ip %q", ipStr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse port %q: %v", portStr, err)
		}
		servers = append(servers, &lbpb.Server{IpAddress: ip, Port: int32(port)})
	}

	lis, err := net.Listen("tcp", "localhost:"+strconv.Itoa(params.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	return &Server{
		serviceName:    params.LoadBalancedServiceName,
		servers:        servers,
		shortStream:    params.ShortStream,
		reportInterval: params.ClientStatsReportInterval,
		lis:            lis,
		address:        lis.Addr().String(),
		stopped:        make(chan struct{}),
	}, nil
}

// Serve starts serving the LoadBalancer service, blocking until Stop is
// called.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.grpcServer != nil {
		s.mu.Unlock()
		return fmt.Errorf("Serve() called multiple times")
	}
	server := grpc.NewServer()
	s.grpcServer = server
	s.mu.Unlock()

	lbpb.RegisterLoadBalancerServer(server, s)
	return server.Serve(s.lis)
}

// Stop stops serving and unblocks the preceding call to Serve.
func (s *Server) Stop() {
	defer close(s.stopped)
	s.mu.Lock()
	if s.grpcServer != nil {
		s.grpcServer.Stop()
		s.grpcServer = nil
	}
	s.mu.Unlock()
}

// Address returns the address the fake LoadBalancer service listens on.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// PushServerList sends an additional ServerList down the already-open
// balancer stream, simulating the balancer re-resolving backends mid-stream
// (spec.md §4.1 "SERVERLIST update"). Only valid after a client has
// connected and the initial list has been sent; returns an error otherwise.
func (s *Server) PushServerList(addrs []string) error {
	var servers []*lbpb.Server
	for _, addr := range addrs {
		ipStr, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("failed to parse backend address %q: %v", addr, err)
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("failed to parse ip %q", ipStr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("failed to parse port %q: %v", portStr, err)
		}
		servers = append(servers, &lbpb.Server{IpAddress: ip, Port: int32(port)})
	}

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("no balancer stream is currently open")
	}
	return stream.Send(&lbpb.LoadBalanceResponse{ServerList: &lbpb.ServerList{Servers: servers}})
}

// StatsReports returns every ClientStats batch received so far.
func (s *Server) StatsReports() []*lbpb.ClientStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*lbpb.ClientStats, len(s.statsReports))
	copy(out, s.statsReports)
	return out
}

// BalanceLoad implements the fake LoadBalancer service.
func (s *Server) BalanceLoad(stream lbpb.LoadBalancer_BalanceLoadServer) error {
	req, err := stream.Recv()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	initialReq := req.InitialRequest
	if initialReq == nil {
		return status.Error(codes.Unknown, "first request was not an InitialLoadBalanceRequest")
	}
	// Remove the port number from the requested name, if present.
	name := initialReq.Name
	if host, _, err := net.SplitHostPort(name); err == nil {
		name = host
	}
	if s.serviceName != "" && name != s.serviceName {
		return status.Errorf(codes.NotFound, "requested service name %q does not match expected %q", name, s.serviceName)
	}

	initResp := &lbpb.LoadBalanceResponse{InitialResponse: &lbpb.InitialLoadBalanceResponse{}}
	if s.reportInterval > 0 {
		initResp.InitialResponse.ClientStatsReportInterval = durationpb.New(s.reportInterval)
	}
	if err := stream.Send(initResp); err != nil {
		return err
	}

	resp := &lbpb.LoadBalanceResponse{ServerList: &lbpb.ServerList{Servers: s.servers}}
	if err := stream.Send(resp); err != nil {
		return err
	}
	if s.shortStream {
		return nil
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stream = nil
		s.mu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		for {
			in, err := stream.Recv()
			if err != nil {
				errCh <- err
				return
			}
			if in.ClientStats != nil {
				s.mu.Lock()
				s.statsReports = append(s.statsReports, in.ClientStats)
				s.mu.Unlock()
			}
		}
	}()

	select {
	case <-stream.Context().Done():
		return nil
	case <-s.stopped:
		return nil
	case err := <-errCh:
		if err == io.EOF {
			return nil
		}
		return err
	}
}
