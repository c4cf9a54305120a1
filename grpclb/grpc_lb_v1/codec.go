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

package grpc_lb_v1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype registered for the grpclb wire messages,
// selected per-call with grpc.CallContentSubtype(Name).
const Name = "lbproto"

func init() {
	encoding.RegisterCodec(&codec{})
}

// codec marshals the messages in this package with encoding/json. It
// stands in for the protoc-generated codec a real grpc.lb.v1.LoadBalancer
// client would use; see package doc for why.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpc_lb_v1: failed to marshal %T: %w", v, err)
	}
	return b, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpc_lb_v1: failed to unmarshal into %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string {
	return Name
}
