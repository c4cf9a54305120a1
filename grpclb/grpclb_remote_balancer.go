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
	"context"
	"io"
	"time"

	"google.golang.org/grpc/resolver"
	"google.golang.org/protobuf/types/known/durationpb"

	lbpb "github.com/struqt/grpclb/grpclb/grpc_lb_v1"
)

// balancerCall owns one bidirectional BalanceLoad RPC, implementing
// spec.md §4.1. It is created and torn down entirely from inside the
// policy's work serializer; recvLoop is the only goroutine that escapes it,
// and it does nothing but Schedule jobs back onto the serializer.
type balancerCall struct {
	b      *lbBalancer
	ctx    context.Context
	cancel context.CancelFunc
	stream lbpb.LoadBalancer_BalanceLoadClient

	// seenInitialResponse records whether the INITIAL message has already
	// arrived, to detect and ignore a duplicate per spec.md §4.1.
	seenInitialResponse bool
	// seenAnyMessage records whether any message was received before the
	// stream ended, which decides retry-immediately vs. backoff
	// (spec.md §4.1 "End-of-call").
	seenAnyMessage bool
	// firstServerList records whether a SERVERLIST has been processed yet
	// by this call, to gate ClientStats creation (spec.md §4.1 step 4).
	firstServerList bool

	reportInterval time.Duration
	stats          *clientStats
	reportTimer    *time.Timer
	// initialSent/reportDue implement the "SendClientLoadReport must not
	// overlap the initial request send" rule of spec.md §4.1.
	initialSent    bool
	reportDue      bool
	pendingReport  *lbpb.ClientStats
	lastReportZero bool

	ended bool
}

func newBalancerCall(b *lbBalancer) *balancerCall {
	ctx, cancel := context.WithCancel(context.Background())
	if b.callTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
	}
	return &balancerCall{b: b, ctx: ctx, cancel: cancel}
}

// start begins the call: sends the InitialLoadBalanceRequest and launches
// the continuous receive loop, per spec.md §4.1 "Start()".
func (c *balancerCall) start() {
	client := lbpb.NewLoadBalancerClient(c.b.lbChannel)
	stream, err := client.BalanceLoad(c.ctx)
	if err != nil {
		c.b.logger.Warningf("grpclb: failed to create balancer stream: %v", err)
		c.scheduleEnd(err)
		return
	}
	c.stream = stream

	go func() {
		err := stream.Send(&lbpb.LoadBalanceRequest{
			InitialRequest: &lbpb.InitialLoadBalanceRequest{Name: c.b.serviceName()},
		})
		c.b.serializer.Schedule(func(context.Context) {
			if c.b.call != c {
				return
			}
			if err != nil {
				c.scheduleEndLocked(err)
				return
			}
			c.initialSent = true
			if c.reportDue {
				c.reportDue = false
				report := c.pendingReport
				c.pendingReport = nil
				c.sendLoadReportLocked(report)
			}
		})
	}()

	go c.recvLoop()
}

// cancelCall cancels the underlying call and the pending load-report timer.
// Final cleanup happens in the trailing-status handler, per spec.md §4.1.
func (c *balancerCall) cancelCall() {
	c.cancel()
	if c.reportTimer != nil {
		c.reportTimer.Stop()
	}
}

// recvLoop runs in its own goroutine (an unavoidable suspension point: gRPC
// streams have no async Recv), and hands every inbound event to the
// serializer as a job, never touching policy state directly.
func (c *balancerCall) recvLoop() {
	for {
		resp, err := c.stream.Recv()
		if err != nil {
			final := err
			if err == io.EOF {
				final = nil
			}
			c.b.serializer.Schedule(func(context.Context) {
				c.scheduleEndLocked(final)
			})
			return
		}
		c.b.serializer.Schedule(func(context.Context) {
			if c.b.call != c {
				return
			}
			c.handleResponse(resp)
		})
	}
}

func (c *balancerCall) handleResponse(resp *lbpb.LoadBalanceResponse) {
	c.seenAnyMessage = true
	switch {
	case resp.InitialResponse != nil:
		c.handleInitial(resp.InitialResponse)
	case resp.ServerList != nil:
		c.handleServerList(resp.ServerList)
	case resp.FallbackResponse != nil:
		c.b.handleFallback()
	default:
		c.b.logger.Warningf("grpclb: received malformed LoadBalanceResponse, ignoring: %+v", resp)
	}
}

func (c *balancerCall) handleInitial(init *lbpb.InitialLoadBalanceResponse) {
	if c.seenInitialResponse {
		c.b.logger.Warningf("grpclb: received duplicate InitialLoadBalanceResponse, ignoring")
		return
	}
	c.seenInitialResponse = true
	if init.LoadBalancerDelegate != "" {
		c.b.logger.Warningf("grpclb: balancer requested delegation to %q, which is not supported", init.LoadBalancerDelegate)
	}
	if d := init.ClientStatsReportInterval.AsDuration(); d > 0 {
		if d < time.Second {
			d = time.Second
		}
		c.reportInterval = d
	}
}

func (c *balancerCall) handleServerList(sl *lbpb.ServerList) {
	newList := newServerList(sl.Servers)
	if c.b.serverList != nil && c.b.serverList.equal(newList) {
		c.b.logger.Infof("grpclb: received duplicate serverlist, ignoring")
		return
	}

	c.b.clearFallbackAtStartup()
	c.b.exitFallback()
	c.b.serverList = newList

	if !c.firstServerList {
		c.firstServerList = true
		if c.reportInterval > 0 {
			c.stats = newClientStats()
			c.b.stats = c.stats
			c.scheduleLoadReport(c.reportInterval)
		}
	}

	c.b.createOrUpdateChildPolicy()
}

func (c *balancerCall) scheduleLoadReport(d time.Duration) {
	c.reportTimer = time.AfterFunc(d, func() {
		c.b.serializer.Schedule(func(context.Context) {
			if c.b.call != c || c.ended {
				return
			}
			c.onReportTimerFire()
		})
	})
}

func (c *balancerCall) onReportTimerFire() {
	snapshot := c.stats.snapshotAndReset()
	allZero := statsAllZero(snapshot)
	if allZero && c.lastReportZero {
		// spec.md §4.1, §8 property 5: suppress a second consecutive
		// all-zero report, but keep the timer armed.
		c.scheduleLoadReport(c.reportInterval)
		return
	}
	c.lastReportZero = allZero

	if !c.initialSent {
		c.pendingReport = snapshot
		c.reportDue = true
		return
	}
	c.sendLoadReportLocked(snapshot)
}

func (c *balancerCall) sendLoadReportLocked(snapshot *lbpb.ClientStats) {
	now := time.Now()
	snapshot.Timestamp = durationpb.New(time.Duration(now.UnixNano()))
	go func() {
		err := c.stream.Send(&lbpb.LoadBalanceRequest{ClientStats: snapshot})
		if err != nil {
			// spec.md §4.1: a failed load-report batch submit is a
			// programmer-error invariant violation, not a recoverable
			// stream error.
			c.b.logger.Errorf("grpclb: invariant violated: failed to send load report: %v", err)
			c.scheduleEnd(err)
			return
		}
		c.b.serializer.Schedule(func(context.Context) {
			if c.b.call != c || c.ended {
				return
			}
			c.scheduleLoadReport(c.reportInterval)
		})
	}()
}

// scheduleEnd and scheduleEndLocked implement spec.md §4.1 "End-of-call".
// scheduleEnd queues scheduleEndLocked on the serializer, for callers not
// already running on it; scheduleEndLocked must run on the serializer and
// itself checks whether c is still the policy's current call.
func (c *balancerCall) scheduleEnd(err error) {
	c.b.serializer.Schedule(func(context.Context) {
		c.scheduleEndLocked(err)
	})
}

func (c *balancerCall) scheduleEndLocked(err error) {
	if c.ended {
		return
	}
	c.ended = true
	c.cancelCall()

	wasCurrent := c.b.call == c
	if wasCurrent {
		c.b.call = nil
	}
	if c.stats != nil && c.b.stats == c.stats {
		c.b.stats = nil
	}

	if !wasCurrent || c.b.closed {
		return
	}

	if c.b.fallbackAtStartupPending {
		c.b.enterFallbackNow()
	} else {
		c.b.maybeEnterFallbackModeAfterStartup()
	}
	c.b.cc.ResolveNow(resolver.ResolveNowOptions{})

	if c.seenAnyMessage {
		c.b.backoff.Reset()
		c.b.startBalancerCall()
	} else {
		c.b.scheduleRetry()
	}
}
