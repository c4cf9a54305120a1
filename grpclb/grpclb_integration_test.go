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

package grpclb

import (
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"

	grpclbstate "github.com/struqt/grpclb/grpclb/state"
	"github.com/struqt/grpclb/internal/fakegrpclb"
)

// fakeSubConn is a minimal balancer.SubConn double driving a real child
// policy (round_robin/pick_first) end to end, in the spirit of
// internal/testutils.TestSubConn: Connect asynchronously reports READY to
// whatever StateListener the child registered, since there is no real
// backend to dial.
type fakeSubConn struct {
	id            string
	stateListener func(balancer.SubConnState)
	shutdownCh    chan *fakeSubConn
}

func (sc *fakeSubConn) UpdateAddresses([]resolver.Address) {}
func (sc *fakeSubConn) GetOrBuildProducer(balancer.ProducerBuilder) (balancer.Producer, func()) {
	return nil, func() {}
}

func (sc *fakeSubConn) Connect() {
	go func() {
		if sc.stateListener == nil {
			return
		}
		sc.stateListener(balancer.SubConnState{ConnectivityState: connectivity.Connecting})
		sc.stateListener(balancer.SubConnState{ConnectivityState: connectivity.Ready})
	}()
}

func (sc *fakeSubConn) Shutdown() {
	select {
	case sc.shutdownCh <- sc:
	default:
	}
}

func (sc *fakeSubConn) String() string { return sc.id }

// fakeClientConn is the balancer.ClientConn the grpclb policy is built
// against in these tests: it never dials anything real, it just records
// what the policy (and, through it, the real round_robin/pick_first child)
// asks for.
type fakeClientConn struct {
	subConnIdx int

	newSubConnAddrsCh chan []resolver.Address
	shutdownSubConnCh chan *fakeSubConn
	newStateCh        chan connectivity.State
	newPickerCh       chan balancer.Picker
}

func newFakeClientConn() *fakeClientConn {
	return &fakeClientConn{
		newSubConnAddrsCh: make(chan []resolver.Address, 16),
		shutdownSubConnCh: make(chan *fakeSubConn, 16),
		newStateCh:        make(chan connectivity.State, 4),
		newPickerCh:       make(chan balancer.Picker, 4),
	}
}

func (f *fakeClientConn) NewSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	sc := &fakeSubConn{
		id:            fmt.Sprintf("fakesc%d", f.subConnIdx),
		stateListener: opts.StateListener,
		shutdownCh:    f.shutdownSubConnCh,
	}
	f.subConnIdx++
	select {
	case f.newSubConnAddrsCh <- addrs:
	default:
	}
	return sc, nil
}

func (f *fakeClientConn) RemoveSubConn(balancer.SubConn)                       {}
func (f *fakeClientConn) UpdateAddresses(balancer.SubConn, []resolver.Address) {}

func (f *fakeClientConn) UpdateState(s balancer.State) {
	select {
	case f.newStateCh <- s.ConnectivityState:
	default:
	}
	select {
	case f.newPickerCh <- s.Picker:
	default:
	}
}

func (f *fakeClientConn) ResolveNow(resolver.ResolveNowOptions) {}
func (f *fakeClientConn) Target() string                       { return "fake" }

func waitForAddrs(t *testing.T, ch chan []resolver.Address, want []string) {
	t.Helper()
	got := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(got) < len(want) {
		select {
		case addrs := <-ch:
			for _, a := range addrs {
				got[a.Addr] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for NewSubConn addresses; got %v, want %v", got, want)
		}
	}
	for _, w := range want {
		if !got[w] {
			t.Errorf("NewSubConn addresses = %v, want to include %q", got, w)
		}
	}
}

func resolverStateForBalancer(balancerAddr string) resolver.State {
	return grpclbstate.Set(resolver.State{}, &grpclbstate.State{
		BalancerAddresses: []resolver.Address{{Addr: balancerAddr}},
	})
}

// TestIntegration_ConnectsToBackendsFromBalancer exercises the full wire
// path of spec.md §4.1 against a real grpc_lb_v1.LoadBalancer server: the
// policy dials the balancer, receives the InitialLoadBalanceResponse and
// the first SERVERLIST, and the real round_robin child it builds creates a
// SubConn for every backend address the balancer sent, through ccWrapper
// and lbCacheClientConn.
func TestIntegration_ConnectsToBackendsFromBalancer(t *testing.T) {
	backends := []string{"127.0.0.1:50051", "127.0.0.1:50052"}
	server, err := fakegrpclb.NewServer(fakegrpclb.ServerParams{BackendAddresses: backends})
	if err != nil {
		t.Fatalf("fakegrpclb.NewServer() error = %v", err)
	}
	go server.Serve()
	defer server.Stop()

	fcc := newFakeClientConn()
	bal := balancer.Get(Name).Build(fcc, balancer.BuildOptions{})
	defer bal.Close()

	if err := bal.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolverStateForBalancer(server.Address()),
	}); err != nil {
		t.Fatalf("UpdateClientConnState() error = %v", err)
	}

	waitForAddrs(t, fcc.newSubConnAddrsCh, backends)
}

// TestIntegration_SubchannelCacheReusesBackendAcrossServerlistChurn exercises
// the §4.4 SubchannelCache end to end: when a SERVERLIST update drops a
// backend and a following one re-adds it before the cache timeout fires,
// the real child policy's Shutdown()/NewSubConn pair must land on the same
// cached SubConn instead of tearing it down and recreating it — the
// behavior review comment 1 found unwired.
func TestIntegration_SubchannelCacheReusesBackendAcrossServerlistChurn(t *testing.T) {
	oldTimeout := SubchannelCacheTimeout
	SubchannelCacheTimeout = time.Minute
	defer func() { SubchannelCacheTimeout = oldTimeout }()

	backendA, backendB := "127.0.0.1:50061", "127.0.0.1:50062"
	server, err := fakegrpclb.NewServer(fakegrpclb.ServerParams{BackendAddresses: []string{backendA, backendB}})
	if err != nil {
		t.Fatalf("fakegrpclb.NewServer() error = %v", err)
	}
	go server.Serve()
	defer server.Stop()

	fcc := newFakeClientConn()
	bal := balancer.Get(Name).Build(fcc, balancer.BuildOptions{})
	defer bal.Close()

	if err := bal.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolverStateForBalancer(server.Address()),
	}); err != nil {
		t.Fatalf("UpdateClientConnState() error = %v", err)
	}
	waitForAddrs(t, fcc.newSubConnAddrsCh, []string{backendA, backendB})

	// Drop backendB: the child calls Shutdown() on its SubConn, but with a
	// one-minute cache timeout that must be deferred rather than reaching
	// the real ClientConn within this test's timeframe.
	if err := server.PushServerList([]string{backendA}); err != nil {
		t.Fatalf("PushServerList(drop) error = %v", err)
	}

	select {
	case sc := <-fcc.shutdownSubConnCh:
		t.Fatalf("real SubConn %v was shut down immediately; the SubchannelCache should have deferred it", sc)
	case <-time.After(1 * time.Second):
	}

	// Re-add backendB promptly: the cache should still be holding it, so no
	// second NewSubConn call for it should reach the real ClientConn.
	if err := server.PushServerList([]string{backendA, backendB}); err != nil {
		t.Fatalf("PushServerList(re-add) error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case addrs := <-fcc.newSubConnAddrsCh:
			for _, a := range addrs {
				if a.Addr == backendB {
					t.Fatalf("NewSubConn(%q) reached the real ClientConn again; the SubchannelCache should have reused the cached SubConn", backendB)
				}
			}
		case <-deadline:
			return
		}
	}
}

// TestIntegration_LoadReportingReachesBalancer exercises spec.md §4.1's
// load-reporting loop: when the balancer advertises a ClientStatsReportInterval,
// the picker's per-call tracking must produce a ClientStats batch the
// balancer actually receives.
func TestIntegration_LoadReportingReachesBalancer(t *testing.T) {
	backend := "127.0.0.1:50071"
	server, err := fakegrpclb.NewServer(fakegrpclb.ServerParams{
		BackendAddresses:          []string{backend},
		ClientStatsReportInterval: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("fakegrpclb.NewServer() error = %v", err)
	}
	go server.Serve()
	defer server.Stop()

	fcc := newFakeClientConn()
	bal := balancer.Get(Name).Build(fcc, balancer.BuildOptions{})
	defer bal.Close()

	if err := bal.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolverStateForBalancer(server.Address()),
	}); err != nil {
		t.Fatalf("UpdateClientConnState() error = %v", err)
	}
	waitForAddrs(t, fcc.newSubConnAddrsCh, []string{backend})

	// Drive the DropPicker until it returns a real pick, then complete the
	// call so clientStats records it.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-fcc.newPickerCh:
			res, perr := p.Pick(balancer.PickInfo{})
			if perr != nil {
				continue
			}
			if res.Done != nil {
				res.Done(balancer.DoneInfo{})
			}
			goto reported
		case <-deadline:
			t.Fatal("timed out waiting for a usable picker")
		}
	}

reported:
	deadline = time.After(5 * time.Second)
	for {
		select {
		case <-time.After(50 * time.Millisecond):
			for _, r := range server.StatsReports() {
				if r.NumCallsStarted > 0 {
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for a load report with NumCallsStarted > 0")
		}
	}
}
