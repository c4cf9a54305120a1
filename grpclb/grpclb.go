/*
 *
 * Copyright 2016 gRPC authors.
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

// Package grpclb implements the gRPCLB client-side load-balancing policy:
// https://github.com/grpc/grpc/blob/master/doc/load-balancing.md.
//
// It discovers backends by maintaining a long-lived streaming RPC to an
// external load balancer service and steers application RPCs across those
// backends, falling back to resolver-supplied addresses when the balancer
// is unreachable. See SPEC_FULL.md and DESIGN.md at the repository root for
// the full design.
package grpclb

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc/balancer"
	_ "google.golang.org/grpc/balancer/pickfirst" // register pick_first as a usable child policy
	_ "google.golang.org/grpc/balancer/roundrobin" // register round_robin, the default child policy
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/serviceconfig"
)

// Name is the name of the grpclb balancer, as used in service config.
const Name = "grpclb"

const (
	roundRobinName = "round_robin"
	pickFirstName  = "pick_first"
)

var logger = grpclog.Component("grpclb")

// Tunables below stand in for the channel args listed in spec.md §6
// (grpc.grpclb_fallback_timeout_ms, grpc.grpclb_subchannel_cache_interval_ms,
// grpc.grpclb_call_timeout_ms). Go's grpc.Dial has no generic channel-args
// bag equivalent to C-core's; exposing them as package-level variables is
// this module's adaptation (see DESIGN.md). SubchannelCacheTimeout and
// CallTimeout are read once per Balancer at Build time, FallbackTimeout each
// time the startup fallback timer is armed, and EagerFallbackExit each time
// it is consulted.
var (
	// FallbackTimeout is how long the policy waits for the balancer to
	// deliver a first SERVERLIST before entering fallback mode at startup.
	FallbackTimeout = 10 * time.Second
	// SubchannelCacheTimeout is how long an orphaned backend SubConn is
	// kept warm before being released. Zero means immediate release.
	SubchannelCacheTimeout = 10 * time.Second
	// CallTimeout bounds a single balancer-call stream's lifetime. Zero
	// means no deadline.
	CallTimeout time.Duration

	// EagerFallbackExit controls the known sub-optimality flagged in
	// DESIGN.md: whether fallback mode is exited as soon
	// as a SERVERLIST is received (true, the historical behavior — even if
	// none of its backends are reachable yet) or only once the child policy
	// built from that serverlist reports READY (false).
	EagerFallbackExit = true
)

func init() {
	balancer.Register(bb{})
}

type bb struct{}

func (bb) Name() string { return Name }

func (bb) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	return newLBBalancer(cc, opts)
}

func (bb) ParseConfig(c json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	return parseConfig(c)
}

var _ balancer.ConfigParser = bb{}
