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

package grpclb

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/resolver/manual"
	"google.golang.org/grpc/serviceconfig"

	grpclbstate "github.com/struqt/grpclb/grpclb/state"
	"github.com/struqt/grpclb/internal/backoff"
	"github.com/struqt/grpclb/internal/grpcsync"
	"github.com/struqt/grpclb/internal/prefixlog"
)

var errNoBalancerAddresses = errors.New("grpclb: no balancer addresses in resolver state")

// lbBalancer is the Policy of SPEC_FULL.md §4: it owns the dedicated
// lb_channel, the single in-flight balancerCall, the fallback timer and
// the child policy, all serialized through a single CallbackSerializer so
// that none of its fields need their own locks.
type lbBalancer struct {
	cc     balancer.ClientConn // the real, outer ClientConn handed to Build
	opts   balancer.BuildOptions
	logger *prefixlog.Logger

	serializer       *grpcsync.CallbackSerializer
	serializerCancel context.CancelFunc
	backoff          *backoff.Strategy

	manualResolver *manual.Resolver
	lbChannel      *grpc.ClientConn

	ccWrap          *ccWrapper
	cacheClientConn *lbCacheClientConn

	config        *lbConfig
	fallbackAddrs []resolver.Address

	call       *balancerCall
	serverList *serverList
	stats      *clientStats

	childPolicy     balancer.Balancer
	childPolicyName string
	childState      *balancer.State

	usingFallback            bool
	fallbackAtStartupPending bool
	fallbackTimer            *time.Timer
	retryTimer               *time.Timer

	callTimeout time.Duration
	closed      bool
}

func newLBBalancer(cc balancer.ClientConn, opts balancer.BuildOptions) *lbBalancer {
	ctx, cancel := context.WithCancel(context.Background())
	r := manual.NewBuilderWithScheme("grpclb-internal")

	b := &lbBalancer{
		cc:                       cc,
		opts:                     opts,
		logger:                   prefixlog.New(logger, "[grpclb] "),
		serializer:               grpcsync.NewCallbackSerializer(ctx),
		serializerCancel:         cancel,
		backoff:                  backoff.NewStrategy(backoff.DefaultConfig),
		manualResolver:           r,
		fallbackAtStartupPending: true,
		callTimeout:              CallTimeout,
	}
	b.cacheClientConn = newLBCacheClientConn(cc, SubchannelCacheTimeout)
	b.ccWrap = &ccWrapper{lbCacheClientConn: b.cacheClientConn, b: b}
	return b
}

// serviceName returns the name reported in the InitialLoadBalanceRequest:
// the grpclb service config's serviceName override, or the channel's
// target, per spec.md §4.1.
func (b *lbBalancer) serviceName() string {
	if b.config != nil && b.config.ServiceName != "" {
		return b.config.ServiceName
	}
	return b.opts.Target.Endpoint()
}

// UpdateClientConnState implements balancer.Balancer, per spec.md §4.2.
func (b *lbBalancer) UpdateClientConnState(ccs balancer.ClientConnState) error {
	if b.closed {
		return nil
	}
	if cfg, ok := ccs.BalancerConfig.(*lbConfig); ok && cfg != nil {
		b.config = cfg
	}

	gs := grpclbstate.Get(ccs.ResolverState)
	if gs == nil || len(gs.BalancerAddresses) == 0 {
		b.ResolverError(errNoBalancerAddresses)
		return balancer.ErrBadResolverState
	}
	b.fallbackAddrs = ccs.ResolverState.Addresses

	if b.lbChannel == nil {
		if err := b.dialLBChannel(); err != nil {
			return err
		}
		b.watchLBChannelConnectivity()
	}

	b.manualResolver.UpdateState(resolver.State{Addresses: gs.BalancerAddresses})

	if b.call == nil {
		b.startFallbackTimer()
		b.startBalancerCall()
	}

	if b.usingFallback {
		b.createOrUpdateChildPolicy()
	}
	return nil
}

func (b *lbBalancer) dialLBChannel() error {
	dialOpts := []grpc.DialOption{
		grpc.WithResolvers(b.manualResolver),
	}
	if creds := b.opts.DialCreds; creds != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else if bundle := b.opts.CredsBundle; bundle != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(bundle.TransportCredentials()))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if b.opts.Dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(b.opts.Dialer))
	}

	cc, err := grpc.NewClient(b.manualResolver.Scheme()+":///grpclb-remote-balancer", dialOpts...)
	if err != nil {
		return err
	}
	cc.Connect()
	b.lbChannel = cc
	return nil
}

// watchLBChannelConnectivity implements spec.md §4.2 step 4: while fallback
// is pending at startup, a TRANSIENT_FAILURE on the dedicated lb_channel
// short-circuits the fallback timer instead of waiting it out (scenario S4).
// The watch runs until the channel shuts down; TRANSIENT_FAILURE events seen
// after fallback is no longer pending are ignored.
func (b *lbBalancer) watchLBChannelConnectivity() {
	cc := b.lbChannel
	go func() {
		state := cc.GetState()
		for state != connectivity.Shutdown {
			if !cc.WaitForStateChange(context.Background(), state) {
				return
			}
			state = cc.GetState()
			if state == connectivity.TransientFailure {
				b.serializer.Schedule(func(context.Context) {
					if b.closed || !b.fallbackAtStartupPending {
						return
					}
					b.enterFallbackNow()
				})
			}
		}
	}()
}

// ResolverError implements balancer.Balancer.
func (b *lbBalancer) ResolverError(err error) {
	if b.closed {
		return
	}
	b.logger.Warningf("grpclb: received resolver error: %v", err)
	if b.call == nil {
		b.maybeEnterFallbackModeAfterStartup()
	}
}

// UpdateSubConnState implements balancer.Balancer. Every SubConn created by
// this module registers balancer.NewSubConnOptions.StateListener, so gRPC
// never routes state transitions through this legacy method; it exists
// only to satisfy the interface.
func (b *lbBalancer) UpdateSubConnState(balancer.SubConn, balancer.SubConnState) {}

// Close implements balancer.Balancer, tearing resources down in the order
// required by spec.md §4.2: timers, then the call, then the child, then
// the cache, then the dedicated LB channel, then the serializer.
func (b *lbBalancer) Close() {
	if b.closed {
		return
	}
	b.closed = true

	if b.fallbackTimer != nil {
		b.fallbackTimer.Stop()
	}
	if b.retryTimer != nil {
		b.retryTimer.Stop()
	}
	if b.call != nil {
		b.call.cancelCall()
		b.call = nil
	}
	if b.childPolicy != nil {
		b.childPolicy.Close()
		b.childPolicy = nil
	}
	b.cacheClientConn.close()
	if b.lbChannel != nil {
		b.lbChannel.Close()
	}
	b.serializerCancel()
}

// ResetBackoff implements spec.md §4.2's Policy.ResetBackoff(): clears the
// balancer-call retry backoff so the next retry, if any, uses BaseDelay.
func (b *lbBalancer) ResetBackoff() {
	b.serializer.Schedule(func(context.Context) {
		b.backoff.Reset()
	})
}

func (b *lbBalancer) ExitIdle() {
	if b.childPolicy != nil {
		if ei, ok := b.childPolicy.(balancer.ExitIdler); ok {
			ei.ExitIdle()
		}
	}
}

func (b *lbBalancer) startBalancerCall() {
	call := newBalancerCall(b)
	b.call = call
	call.start()
}

func (b *lbBalancer) scheduleRetry() {
	if b.closed {
		return
	}
	d := b.backoff.Backoff()
	b.retryTimer = time.AfterFunc(d, func() {
		b.serializer.Schedule(func(context.Context) {
			if b.closed || b.call != nil {
				return
			}
			b.startBalancerCall()
		})
	})
}

func (b *lbBalancer) startFallbackTimer() {
	if !b.fallbackAtStartupPending {
		return
	}
	b.fallbackTimer = time.AfterFunc(FallbackTimeout, func() {
		b.serializer.Schedule(func(context.Context) {
			if b.closed || !b.fallbackAtStartupPending {
				return
			}
			b.enterFallbackNow()
		})
	})
}

func (b *lbBalancer) clearFallbackAtStartup() {
	b.fallbackAtStartupPending = false
	if b.fallbackTimer != nil {
		b.fallbackTimer.Stop()
	}
}

// handleFallback processes an explicit FallbackResponse from the balancer,
// per spec.md §4.1.
func (b *lbBalancer) handleFallback() {
	b.serverList = nil
	b.enterFallbackNow()
}

func (b *lbBalancer) enterFallbackNow() {
	b.fallbackAtStartupPending = false
	if b.fallbackTimer != nil {
		b.fallbackTimer.Stop()
	}
	if b.usingFallback {
		return
	}
	b.usingFallback = true
	b.serverList = nil
	b.createOrUpdateChildPolicy()
}

func (b *lbBalancer) exitFallback() {
	if !b.usingFallback {
		return
	}
	if !EagerFallbackExit {
		// Deferred exit: stay in fallback until the child policy built from
		// the new serverlist reports READY (checked from updatePicker).
		return
	}
	b.usingFallback = false
}

// maybeEnterFallbackModeAfterStartup implements spec.md §4.1's
// "MaybeEnterFallbackModeAfterStartup" predicate: once the startup grace
// period has passed, losing the balancer stream only triggers fallback if
// the child policy isn't currently reporting READY.
func (b *lbBalancer) maybeEnterFallbackModeAfterStartup() {
	if b.usingFallback || b.fallbackAtStartupPending {
		return
	}
	if b.childState == nil || b.childState.ConnectivityState != connectivity.Ready {
		b.enterFallbackNow()
	}
}

// createOrUpdateChildPolicy implements spec.md §4.5: builds the child
// policy on first use (or on a childPolicy name change) and always hands
// it the currently-applicable address list — fallback addresses while no
// serverlist is held (entering fallback clears it), otherwise the latest
// serverlist's backend addresses, including while a deferred fallback exit
// (EagerFallbackExit false) waits for the child to report READY.
func (b *lbBalancer) createOrUpdateChildPolicy() {
	name := roundRobinName
	if b.config != nil && b.config.childPolicyName != "" {
		name = b.config.childPolicyName
	}

	if b.childPolicy == nil || b.childPolicyName != name {
		if b.childPolicy != nil {
			b.childPolicy.Close()
		}
		builder := balancer.Get(name)
		if builder == nil {
			b.logger.Errorf("grpclb: child policy %q is not registered, falling back to %q", name, roundRobinName)
			name = roundRobinName
			builder = balancer.Get(name)
		}
		b.childPolicyName = name
		b.childPolicy = builder.Build(b.ccWrap, b.opts)
	}

	var addrs []resolver.Address
	if b.serverList == nil {
		for _, a := range b.fallbackAddrs {
			addrs = append(addrs, attachFallbackInfo(a))
		}
	} else {
		addrs = b.serverList.backendAddresses(b.stats, b.config.childIsPickFirst())
	}

	var childLBCfg serviceconfig.LoadBalancingConfig
	if b.config != nil {
		childLBCfg = b.config.childPolicyConfig
	}

	err := b.childPolicy.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{
			Addresses: addrs,
		},
		BalancerConfig: childLBCfg,
	})
	if err != nil {
		b.logger.Warningf("grpclb: child policy rejected address update: %v", err)
	}
}

// updatePicker rebuilds the DropPicker around the child's latest picker
// and forwards it to the real outer ClientConn, per spec.md §4.3. Drops
// are enforced only while using the balancer-supplied serverlist, never
// while in fallback (spec.md §3 "DropPicker" / §9 design note). Within
// that, the serverlist itself is only ever handed to the DropPicker when
// the child is READY or the list is nothing but drop entries (spec.md §3
// invariant): otherwise a non-READY pick would be counted as a drop
// instead of surfacing the child's real "not connected yet" error.
func (b *lbBalancer) updatePicker(s balancer.State) {
	b.childState = &s
	if !EagerFallbackExit && b.usingFallback && b.serverList != nil && s.ConnectivityState == connectivity.Ready {
		b.usingFallback = false
	}
	var list *serverList
	if !b.usingFallback && (s.ConnectivityState == connectivity.Ready || b.serverList.onlyDrops()) {
		list = b.serverList
	}
	b.cc.UpdateState(balancer.State{
		ConnectivityState: s.ConnectivityState,
		Picker:            newDropPicker(list, s.Picker, b.stats),
	})
}

// ccWrapper is the balancer.ClientConn the child policy is built against.
// It delegates SubConn lifecycle management to lbCacheClientConn but
// intercepts UpdateState so every picker the child installs gets wrapped
// in a DropPicker before reaching the real ClientConn.
type ccWrapper struct {
	*lbCacheClientConn
	b *lbBalancer
}

func (w *ccWrapper) UpdateState(s balancer.State) {
	w.b.updatePicker(s)
}
