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
	"testing"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	lbpb "github.com/struqt/grpclb/grpclb/grpc_lb_v1"
)

func backend(port int32, token string) *lbpb.Server {
	return &lbpb.Server{IpAddress: []byte{127, 0, 0, byte(port)}, Port: port, LoadBalanceToken: token}
}

func drop(token string) *lbpb.Server {
	return &lbpb.Server{DropForLoadBalancing: true, LoadBalanceToken: token}
}

func TestServerList_Equal(t *testing.T) {
	a := newServerList([]*lbpb.Server{backend(1, "t1"), drop("d1")})
	b := newServerList([]*lbpb.Server{backend(1, "t1"), drop("d1")})
	c := newServerList([]*lbpb.Server{backend(2, "t1"), drop("d1")})

	if !a.equal(b) {
		t.Error("a.equal(b) = false, want true for structurally identical lists")
	}
	if a.equal(c) {
		t.Error("a.equal(c) = true, want false for a differing port")
	}
	if a.equal(nil) {
		t.Error("a.equal(nil) = true, want false")
	}
	var n *serverList
	if !n.equal(nil) {
		t.Error("(*serverList)(nil).equal(nil) = false, want true")
	}
}

func TestServerList_NextVisitsConsecutiveIndices(t *testing.T) {
	sl := newServerList([]*lbpb.Server{backend(1, ""), backend(2, ""), backend(3, "")})
	var got []int32
	for i := 0; i < 6; i++ {
		got = append(got, sl.next().Port)
	}
	want := []int32{1, 2, 3, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("next() sequence = %v, want %v", got, want)
		}
	}
}

func TestServerList_NextOnEmpty(t *testing.T) {
	sl := newServerList(nil)
	if sl.next() != nil {
		t.Error("next() on an empty list should return nil")
	}
}

func TestServerList_OnlyDrops(t *testing.T) {
	tests := []struct {
		name string
		sl   *serverList
		want bool
	}{
		{name: "nil", sl: nil, want: false},
		{name: "empty", sl: newServerList(nil), want: false},
		{name: "mixed", sl: newServerList([]*lbpb.Server{backend(1, ""), drop("d")}), want: false},
		{name: "all_drops", sl: newServerList([]*lbpb.Server{drop("d1"), drop("d2")}), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sl.onlyDrops(); got != tt.want {
				t.Errorf("onlyDrops() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServerList_BackendAddressesSkipsDropsAndInvalid(t *testing.T) {
	invalid := &lbpb.Server{IpAddress: []byte{1, 2, 3}, Port: 1}
	sl := newServerList([]*lbpb.Server{backend(1, "t1"), drop("d1"), invalid})
	addrs := sl.backendAddresses(nil, false)
	if len(addrs) != 1 {
		t.Fatalf("backendAddresses() = %v, want exactly one entry", addrs)
	}
	if ai := getAddrInfo(addrs[0]); ai == nil || ai.lbToken != "t1" {
		t.Errorf("backendAddresses()[0] token = %+v, want %q", ai, "t1")
	}
}

func TestClientStats_SnapshotAndReset(t *testing.T) {
	cs := newClientStats()
	cs.callStarted()
	cs.callStarted()
	cs.callFinished(false, true)
	cs.drop("d1")
	cs.drop("d1")
	cs.drop("d2")

	snap := cs.snapshotAndReset()
	if snap.NumCallsStarted != 5 { // 2 explicit + 3 from drop()
		t.Errorf("NumCallsStarted = %d, want 5", snap.NumCallsStarted)
	}
	if snap.NumCallsFinished != 4 { // 1 explicit + 3 from drop()
		t.Errorf("NumCallsFinished = %d, want 4", snap.NumCallsFinished)
	}
	if snap.NumCallsFinishedKnownReceived != 1 {
		t.Errorf("NumCallsFinishedKnownReceived = %d, want 1", snap.NumCallsFinishedKnownReceived)
	}
	counts := map[string]int64{}
	for _, c := range snap.CallsFinishedWithDrop {
		counts[c.LoadBalanceToken] = c.NumCalls
	}
	if counts["d1"] != 2 || counts["d2"] != 1 {
		t.Errorf("CallsFinishedWithDrop = %v, want d1:2 d2:1", counts)
	}

	if !statsAllZero(cs.snapshotAndReset()) {
		t.Error("a second snapshot after reset should be all-zero")
	}
}

func TestLBPicker_EnforcesDrops(t *testing.T) {
	cs := newClientStats()
	list := newServerList([]*lbpb.Server{drop("only-drop")})
	p := newDropPicker(list, nil, cs)

	_, err := p.Pick(balancer.PickInfo{})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("Pick() error = %v, want Unavailable", err)
	}
	snap := cs.snapshotAndReset()
	if len(snap.CallsFinishedWithDrop) != 1 || snap.CallsFinishedWithDrop[0].LoadBalanceToken != "only-drop" {
		t.Errorf("CallsFinishedWithDrop = %v, want one entry for %q", snap.CallsFinishedWithDrop, "only-drop")
	}
}

func TestLBPicker_NoInnerReturnsErrNoSubConnAvailable(t *testing.T) {
	p := newDropPicker(nil, nil, nil)
	_, err := p.Pick(balancer.PickInfo{})
	if err != balancer.ErrNoSubConnAvailable {
		t.Errorf("Pick() error = %v, want %v", err, balancer.ErrNoSubConnAvailable)
	}
}

type constPicker struct {
	res balancer.PickResult
	err error
}

func (c *constPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) { return c.res, c.err }

func TestLBPicker_UnwrapsSubConnAndAttachesToken(t *testing.T) {
	inner := &stubSubConn{id: "backend"}
	wrapped := &lbSubConn{SubConn: inner, lbToken: "tok"}
	p := newDropPicker(nil, &constPicker{res: balancer.PickResult{SubConn: wrapped}}, nil)

	res, err := p.Pick(balancer.PickInfo{})
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if res.SubConn != inner {
		t.Errorf("Pick().SubConn = %v, want the unwrapped SubConn %v", res.SubConn, inner)
	}
	md := res.Metadata.Get(lbTokenMDKey)
	if len(md) != 1 || md[0] != "tok" {
		t.Errorf("Pick().Metadata[%q] = %v, want [%q]", lbTokenMDKey, md, "tok")
	}
}

func TestLBPicker_TracksCallLifecycleWhenStatsPresent(t *testing.T) {
	cs := newClientStats()
	wrapped := &lbSubConn{SubConn: &stubSubConn{id: "backend"}, stats: cs}
	p := newDropPicker(nil, &constPicker{res: balancer.PickResult{SubConn: wrapped}}, nil)

	res, err := p.Pick(balancer.PickInfo{})
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if res.Done == nil {
		t.Fatal("Pick().Done = nil, want a tracker when the SubConn carries stats")
	}
	res.Done(balancer.DoneInfo{BytesSent: true, BytesReceived: true})

	snap := cs.snapshotAndReset()
	if snap.NumCallsStarted != 1 || snap.NumCallsFinished != 1 || snap.NumCallsFinishedKnownReceived != 1 {
		t.Errorf("snapshot = %+v, want one started/finished/knownReceived call", snap)
	}
}
