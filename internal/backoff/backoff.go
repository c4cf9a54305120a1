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

// Package backoff implements the exponential backoff algorithm used to
// space out retries of the grpclb balancer-call stream, per spec.md §6
// ("Initial 1s, multiplier 1.6, jitter 0.2, max 120s"). grpc-go's own
// internal/backoff package implements the same algorithm but lives under
// google.golang.org/grpc/internal, so it cannot be imported from a
// separate module; this is a standalone reimplementation of it.
package backoff

import (
	"math/rand"
	"time"
)

// Config defines the parameters of the backoff strategy.
type Config struct {
	// BaseDelay is the amount of time to wait before retrying after the
	// first failure.
	BaseDelay time.Duration
	// Multiplier is applied to the backoff after each retry.
	Multiplier float64
	// Jitter provides a range to randomize backoff delays.
	Jitter float64
	// MaxDelay is the upper bound of backoff delay.
	MaxDelay time.Duration
}

// DefaultConfig is the grpclb balancer-call retry backoff described in
// spec.md §6.
var DefaultConfig = Config{
	BaseDelay:  1.0 * time.Second,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   120 * time.Second,
}

// Strategy tracks the running backoff state across repeated failures.
// It is not safe for concurrent use; callers accessing it from outside the
// grpclb work serializer must synchronize externally.
type Strategy struct {
	config Config
	retries int
}

// NewStrategy returns a Strategy using cfg.
func NewStrategy(cfg Config) *Strategy {
	return &Strategy{config: cfg}
}

// Backoff returns the amount of time to wait before the next retry, and
// advances the internal retry counter.
func (s *Strategy) Backoff() time.Duration {
	d := s.backoffForRetries(s.retries)
	s.retries++
	return d
}

// Reset clears the retry counter, so the next Backoff() call returns
// BaseDelay again. spec.md §4.1 calls for this whenever a balancer call
// receives at least one message before its stream ends.
func (s *Strategy) Reset() {
	s.retries = 0
}

func (s *Strategy) backoffForRetries(retries int) time.Duration {
	if retries == 0 {
		return s.config.BaseDelay
	}
	backoff, max := float64(s.config.BaseDelay), float64(s.config.MaxDelay)
	for backoff < max && retries > 0 {
		backoff *= s.config.Multiplier
		retries--
	}
	if backoff > max {
		backoff = max
	}
	// Randomize within +/- jitter.
	backoff *= 1 + s.config.Jitter*(rand.Float64()*2-1)
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}
