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
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/status"

	lbpb "github.com/struqt/grpclb/grpclb/grpc_lb_v1"
)

// lbTokenMDKey is the metadata key carrying a backend's LB token on each
// outgoing call, per spec.md §6.
const lbTokenMDKey = "lb-token"

// serverList is the immutable, reference-counted-by-GC vector of backend
// entries (or drop markers) most recently received from the balancer
// (spec.md §3 "Serverlist"). Equality is positional, and it owns a
// monotonic drop cursor consulted by the picker.
type serverList struct {
	servers   []*lbpb.Server
	dropIndex uint64 // atomic; fetch_add(1) mod len(servers) per pick.
}

func newServerList(servers []*lbpb.Server) *serverList {
	return &serverList{servers: servers}
}

// equal compares structurally by value, not pointer identity, per
// spec.md §9 ("Duplicate-SERVERLIST detection").
func (s *serverList) equal(o *serverList) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.servers) != len(o.servers) {
		return false
	}
	for i, a := range s.servers {
		b := o.servers[i]
		if a.DropForLoadBalancing != b.DropForLoadBalancing ||
			a.LoadBalanceToken != b.LoadBalanceToken ||
			a.Port != b.Port ||
			string(a.IpAddress) != string(b.IpAddress) {
			return false
		}
	}
	return true
}

// next returns the entry at the current drop cursor and advances it,
// implementing the K-consecutive-picks-visit-consecutive-indices property
// of spec.md §8 property 2.
func (s *serverList) next() *lbpb.Server {
	if len(s.servers) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&s.dropIndex, 1) - 1
	return s.servers[idx%uint64(len(s.servers))]
}

// onlyDrops reports whether every entry in the list is a drop marker; used
// to decide whether a non-READY child still exposes a drop-enforcing
// picker, per spec.md §3 invariant on DropPicker visibility.
func (s *serverList) onlyDrops() bool {
	if s == nil || len(s.servers) == 0 {
		return false
	}
	for _, srv := range s.servers {
		if !srv.DropForLoadBalancing {
			return false
		}
	}
	return true
}

// backendAddresses extracts resolver.Address entries for the non-drop,
// valid servers in the list, each carrying its LB token and the §4.5
// child-policy arguments: address_is_backend_from_grpclb_load_balancer is
// always true here, and inhibitHealthCheck is set when the child is
// pick_first, per lbConfig.childIsPickFirst. Invalid entries (bad IP length
// or out-of-range port) are silently skipped per spec.md §3, but remain
// counted in the drop cursor's modulus since they stay in s.servers.
func (s *serverList) backendAddresses(stats *clientStats, inhibitHealthCheck bool) []resolver.Address {
	var addrs []resolver.Address
	for _, srv := range s.servers {
		if srv.DropForLoadBalancing {
			continue
		}
		addr, ok := serverToAddress(srv)
		if !ok {
			continue
		}
		addrs = append(addrs, attachBackendInfo(addr, srv.LoadBalanceToken, stats, inhibitHealthCheck))
	}
	return addrs
}

func serverToAddress(srv *lbpb.Server) (resolver.Address, bool) {
	ip := net.IP(srv.IpAddress)
	if l := len(srv.IpAddress); l != 4 && l != 16 {
		return resolver.Address{}, false
	}
	if srv.Port < 0 || srv.Port > 65535 {
		return resolver.Address{}, false
	}
	return resolver.Address{Addr: net.JoinHostPort(ip.String(), strconv.Itoa(int(srv.Port)))}, true
}

// clientStats holds the atomically-updated counters described in
// spec.md §3 "ClientStats". It is shared between the picker (drop counts),
// the per-call tracker (started/finished) and the balancer call
// (snapshot+reset for load reports).
type clientStats struct {
	numCallsStarted                        int64
	numCallsFinished                       int64
	numCallsFinishedKnownReceived          int64
	numCallsFinishedWithClientFailedToSend int64

	mu              sync.Mutex
	dropTokenCounts map[string]int64
}

func newClientStats() *clientStats {
	return &clientStats{dropTokenCounts: make(map[string]int64)}
}

func (cs *clientStats) callStarted() { atomic.AddInt64(&cs.numCallsStarted, 1) }

func (cs *clientStats) callFinished(failedToSend, knownReceived bool) {
	atomic.AddInt64(&cs.numCallsFinished, 1)
	if failedToSend {
		atomic.AddInt64(&cs.numCallsFinishedWithClientFailedToSend, 1)
	} else if knownReceived {
		atomic.AddInt64(&cs.numCallsFinishedKnownReceived, 1)
	}
}

func (cs *clientStats) drop(token string) {
	atomic.AddInt64(&cs.numCallsStarted, 1)
	atomic.AddInt64(&cs.numCallsFinished, 1)
	cs.mu.Lock()
	cs.dropTokenCounts[token]++
	cs.mu.Unlock()
}

// snapshotAndReset atomically reads and clears every counter, per
// spec.md §3.
func (cs *clientStats) snapshotAndReset() *lbpb.ClientStats {
	out := &lbpb.ClientStats{
		NumCallsStarted:                        atomic.SwapInt64(&cs.numCallsStarted, 0),
		NumCallsFinished:                       atomic.SwapInt64(&cs.numCallsFinished, 0),
		NumCallsFinishedKnownReceived:          atomic.SwapInt64(&cs.numCallsFinishedKnownReceived, 0),
		NumCallsFinishedWithClientFailedToSend: atomic.SwapInt64(&cs.numCallsFinishedWithClientFailedToSend, 0),
	}
	cs.mu.Lock()
	for token, n := range cs.dropTokenCounts {
		out.CallsFinishedWithDrop = append(out.CallsFinishedWithDrop, &lbpb.ClientStatsPerToken{
			LoadBalanceToken: token,
			NumCalls:         n,
		})
		delete(cs.dropTokenCounts, token)
	}
	cs.mu.Unlock()
	return out
}

// statsAllZero reports whether the snapshot represents no activity at all,
// used to implement load-report suppression (spec.md §4.1, §8 property 5).
func statsAllZero(s *lbpb.ClientStats) bool {
	return s.NumCallsStarted == 0 &&
		s.NumCallsFinished == 0 &&
		s.NumCallsFinishedKnownReceived == 0 &&
		s.NumCallsFinishedWithClientFailedToSend == 0 &&
		len(s.CallsFinishedWithDrop) == 0
}

// lbPicker implements the DropPicker of spec.md §4.3. It wraps an inner
// picker (built by the child policy); when list is non-nil it enforces
// balancer-directed drops before ever consulting the inner picker.
type lbPicker struct {
	list    *serverList // nil if drops should not be evaluated for this picker
	inner   balancer.Picker
	stats   *clientStats // non-nil iff load reporting is enabled for the active call
}

func newDropPicker(list *serverList, inner balancer.Picker, stats *clientStats) *lbPicker {
	return &lbPicker{list: list, inner: inner, stats: stats}
}

func (p *lbPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	if p.list != nil {
		if srv := p.list.next(); srv != nil && srv.DropForLoadBalancing {
			if p.stats != nil {
				p.stats.drop(srv.LoadBalanceToken)
			}
			return balancer.PickResult{}, status.Error(codes.Unavailable, "request dropped by grpclb balancer")
		}
	}
	if p.inner == nil {
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	}
	res, err := p.inner.Pick(info)
	if err != nil {
		return res, err
	}

	wrapper, ok := res.SubConn.(*lbSubConn)
	if !ok {
		return res, nil
	}
	res.SubConn = wrapper.SubConn

	if token := wrapper.lbToken; token != "" {
		res.Metadata = metadata.Join(res.Metadata, metadata.Pairs(lbTokenMDKey, token))
	}

	stats := wrapper.stats
	innerDone := res.Done
	started := stats != nil
	if started {
		stats.callStarted()
	}
	res.Done = func(info balancer.DoneInfo) {
		if innerDone != nil {
			innerDone(info)
		}
		if !started {
			return
		}
		failedToSend := !info.BytesSent
		knownReceived := info.BytesReceived
		stats.callFinished(failedToSend, knownReceived)
	}
	return res, nil
}
