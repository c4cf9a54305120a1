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

// Package state declares grpclb types to be set by resolvers wishing to
// pass balancer address information to grpclb via resolver.State
// Attributes, instead of (or in addition to) ordinary resolved addresses.
package state

import (
	"google.golang.org/grpc/resolver"
)

// keyType is the key under which State is stored in resolver.State's
// Attributes.
type keyType string

const key = keyType("github.com/struqt/grpclb/state")

// State contains grpclb-relevant data passed from the name resolver down to
// the grpclb policy.
type State struct {
	// BalancerAddresses contains the address(es) of the remote load
	// balancer(s). If set, these take priority over the plain resolved
	// addresses for the purposes of dialing the balancer.
	BalancerAddresses []resolver.Address
}

// Equal implements the attributes.Value duck-typed Equal(o any) bool
// contract. Balancer-address sets are compared by the caller (grpclb diffs
// the resolved address lists directly); here we only need pointer identity
// so Attributes.Equal doesn't panic.
func (s *State) Equal(o any) bool {
	os, ok := o.(*State)
	return ok && s == os
}

// Set returns a copy of the provided resolver.State with s attached via
// Attributes. s's data should not be mutated after calling Set.
func Set(rs resolver.State, s *State) resolver.State {
	rs.Attributes = rs.Attributes.WithValue(key, s)
	return rs
}

// Get returns the grpclb State attached to rs, or nil if none is present.
// The returned value should not be mutated.
func Get(rs resolver.State) *State {
	s, _ := rs.Attributes.Value(key).(*State)
	return s
}
