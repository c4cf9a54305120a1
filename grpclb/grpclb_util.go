/*
 *
 * Copyright 2017 gRPC authors.
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
	"sync"
	"time"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/resolver"
)

// addrInfoKey is the resolver.Address.BalancerAttributes key under which
// this module stashes the child-policy arguments of spec.md §4.5 for an
// address, so that lbCacheClientConn.NewSubConn can build an lbSubConn
// (spec.md §3 "SubchannelWrapper") carrying them.
type addrInfoKeyType string

const addrInfoKey = addrInfoKeyType("github.com/struqt/grpclb/addrInfo")

// addrInfo holds the per-address arguments spec.md §4.5 says are supplied
// to the child policy: the LB token and ClientStats reference used by the
// DropPicker's call tracking, plus the two grpclb-specific flags —
// fromGRPCLB (address_is_backend_from_grpclb_load_balancer) and the
// health-check inhibition it implies.
type addrInfo struct {
	lbToken string
	stats   *clientStats

	fromGRPCLB         bool
	inhibitHealthCheck bool
}

func (a *addrInfo) Equal(o any) bool {
	oa, ok := o.(*addrInfo)
	return ok && a.lbToken == oa.lbToken && a.stats == oa.stats &&
		a.fromGRPCLB == oa.fromGRPCLB && a.inhibitHealthCheck == oa.inhibitHealthCheck
}

// attachBackendInfo returns a copy of addr carrying the LB token, the
// ClientStats reference (spec.md §4.5's "enable_load_reporting_filter",
// always on for backends discovered through the balancer), and the
// health-check inhibition flag derived from whether the child is
// pick_first (spec.md §4.5 / §9). Consumed by lbCacheClientConn.NewSubConn
// and by anything else that inspects BalancerAttributes for a health-check
// producer.
func attachBackendInfo(addr resolver.Address, token string, stats *clientStats, inhibitHealthCheck bool) resolver.Address {
	addr.BalancerAttributes = addr.BalancerAttributes.WithValue(addrInfoKey, &addrInfo{
		lbToken:            token,
		stats:              stats,
		fromGRPCLB:         true,
		inhibitHealthCheck: inhibitHealthCheck,
	})
	return addr
}

// attachFallbackInfo wraps a fallback-backend address with an empty LB
// token, per spec.md §4.5's "Fallback" update-selection rule. It is not
// itself from the grpclb balancer, so fromGRPCLB and the health-check
// inhibition it implies are both left false.
func attachFallbackInfo(addr resolver.Address) resolver.Address {
	addr.BalancerAttributes = addr.BalancerAttributes.WithValue(addrInfoKey, &addrInfo{})
	return addr
}

func getAddrInfo(addr resolver.Address) *addrInfo {
	ai, _ := addr.BalancerAttributes.Value(addrInfoKey).(*addrInfo)
	return ai
}

// lbSubConn decorates a real balancer.SubConn with the LB token and
// ClientStats reference of the address it was created for (spec.md §3
// "SubchannelWrapper"). Its identity is the wrapper itself, not the SubConn
// it embeds: the child policy (round_robin/pick_first) holds exactly what
// NewSubConn returned, and calls Shutdown() on it directly rather than going
// through the parent ClientConn, so Shutdown is the hook that must route
// into the SubchannelCache below.
type lbSubConn struct {
	balancer.SubConn
	ccc *lbCacheClientConn

	lbToken string
	stats   *clientStats
}

// Shutdown intercepts the child policy's teardown of this SubConn and
// routes it through the cache's delayed-removal logic (spec.md §4.4)
// instead of shutting the real SubConn down immediately.
func (sc *lbSubConn) Shutdown() {
	sc.ccc.cacheShutdown(sc)
}

// lbCacheClientConn implements spec.md §4.4 "SubchannelCache": it delays
// the real SubConn.Shutdown() by subchannelCacheTimeout so that rapid
// serverlist churn doesn't tear down and immediately recreate connections
// to the same backend. It is the balancer.ClientConn the child policy is
// built against, and every SubConn it hands out is an *lbSubConn so that
// the child's later Shutdown() call can be intercepted.
type lbCacheClientConn struct {
	cc      balancer.ClientConn
	timeout time.Duration

	mu            sync.Mutex
	subConnCache  map[*lbSubConn]*time.Timer
	subConnToAddr map[*lbSubConn]resolver.Address
}

func newLBCacheClientConn(cc balancer.ClientConn, timeout time.Duration) *lbCacheClientConn {
	return &lbCacheClientConn{
		cc:            cc,
		timeout:       timeout,
		subConnCache:  make(map[*lbSubConn]*time.Timer),
		subConnToAddr: make(map[*lbSubConn]resolver.Address),
	}
}

func (ccc *lbCacheClientConn) NewSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	if len(addrs) == 0 {
		return nil, balancer.ErrBadResolverState
	}

	ccc.mu.Lock()
	defer ccc.mu.Unlock()
	for sc, a := range ccc.subConnToAddr {
		if a.Addr != addrs[0].Addr {
			continue
		}
		if timer, ok := ccc.subConnCache[sc]; ok {
			// Reuse: a shutdown for this address is pending. Cancel it and
			// hand back the same wrapper (spec.md §4.4).
			timer.Stop()
			delete(ccc.subConnCache, sc)
			return sc, nil
		}
	}

	sc, err := ccc.cc.NewSubConn(addrs, opts)
	if err != nil {
		return nil, err
	}
	wrapper := &lbSubConn{SubConn: sc, ccc: ccc}
	if ai := getAddrInfo(addrs[0]); ai != nil {
		wrapper.lbToken, wrapper.stats = ai.lbToken, ai.stats
	}
	ccc.subConnToAddr[wrapper] = addrs[0]
	return wrapper, nil
}

// RemoveSubConn exists only to satisfy balancer.ClientConn for any caller
// still on the legacy, pre-StateListener path; the child policies this
// module registers all shut down their SubConns directly via
// lbSubConn.Shutdown instead.
func (ccc *lbCacheClientConn) RemoveSubConn(sc balancer.SubConn) {
	if wrapper, ok := sc.(*lbSubConn); ok {
		wrapper.Shutdown()
		return
	}
	ccc.cc.RemoveSubConn(sc)
}

// cacheShutdown implements the delayed-removal half of spec.md §4.4: a
// zero timeout shuts down immediately, otherwise the real SubConn is kept
// warm until the timer fires unless a matching NewSubConn cancels it first.
func (ccc *lbCacheClientConn) cacheShutdown(sc *lbSubConn) {
	ccc.mu.Lock()
	defer ccc.mu.Unlock()
	if ccc.timeout == 0 {
		ccc.shutdownNow(sc)
		return
	}
	if _, ok := ccc.subConnCache[sc]; ok {
		return
	}
	ccc.subConnCache[sc] = time.AfterFunc(ccc.timeout, func() {
		ccc.mu.Lock()
		defer ccc.mu.Unlock()
		if _, ok := ccc.subConnCache[sc]; !ok {
			return
		}
		ccc.shutdownNow(sc)
	})
}

// shutdownNow must be called with ccc.mu held.
func (ccc *lbCacheClientConn) shutdownNow(sc *lbSubConn) {
	delete(ccc.subConnCache, sc)
	delete(ccc.subConnToAddr, sc)
	sc.SubConn.Shutdown()
}

func (ccc *lbCacheClientConn) UpdateAddresses(sc balancer.SubConn, addrs []resolver.Address) {
	if wrapper, ok := sc.(*lbSubConn); ok {
		ccc.cc.UpdateAddresses(wrapper.SubConn, addrs)
		return
	}
	ccc.cc.UpdateAddresses(sc, addrs)
}

func (ccc *lbCacheClientConn) UpdateState(s balancer.State)            { ccc.cc.UpdateState(s) }
func (ccc *lbCacheClientConn) ResolveNow(o resolver.ResolveNowOptions) { ccc.cc.ResolveNow(o) }
func (ccc *lbCacheClientConn) Target() string                         { return ccc.cc.Target() }

// close stops every pending shutdown timer and shuts the cached real
// SubConns down at once, used at Policy shutdown (spec.md §4.2 "release
// cached subchannels") after the child policy has been closed, so the
// SubConns the child gave up on close are released here too.
func (ccc *lbCacheClientConn) close() {
	ccc.mu.Lock()
	defer ccc.mu.Unlock()
	for sc, timer := range ccc.subConnCache {
		timer.Stop()
		ccc.shutdownNow(sc)
	}
}
