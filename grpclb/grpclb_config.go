/*
 *
 * Copyright 2019 gRPC authors.
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
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/serviceconfig"
)

// lbConfig is the parsed form of the grpclb LB policy config described in
// spec.md §6:
//
//	{ "childPolicy": [ <one policy config>, ... ]?, "serviceName": "<string>"? }
type lbConfig struct {
	serviceconfig.LoadBalancingConfig

	ChildPolicy *[]map[string]json.RawMessage `json:"childPolicy,omitempty"`
	ServiceName string                        `json:"serviceName,omitempty"`

	childPolicyName   string
	childPolicyConfig serviceconfig.LoadBalancingConfig
}

// parseConfig implements balancer.ConfigParser.ParseConfig. Unknown fields
// in the JSON are rejected, matching spec.md §6.
func parseConfig(c json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	var cfg lbConfig
	d := json.NewDecoder(bytes.NewReader(c))
	d.DisallowUnknownFields()
	if err := d.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("grpclb: unable to unmarshal LB policy config %q: %v", string(c), err)
	}

	name, rawCfg, err := childPolicyFromConfig(cfg.ChildPolicy)
	if err != nil {
		return nil, err
	}
	cfg.childPolicyName = name

	builder := balancer.Get(name)
	if builder == nil {
		return nil, fmt.Errorf("grpclb: no balancer registered for child policy %q", name)
	}
	if parser, ok := builder.(balancer.ConfigParser); ok {
		parsed, err := parser.ParseConfig(rawCfg)
		if err != nil {
			return nil, fmt.Errorf("grpclb: failed to parse child policy config for %q: %v", name, err)
		}
		cfg.childPolicyConfig = parsed
	}
	return &cfg, nil
}

// childPolicyFromConfig walks the childPolicy list and returns the name and
// raw JSON config of the first entry with a registered builder, following
// the "first registered name wins" rule in spec.md §6. Absent childPolicy
// defaults to round_robin.
func childPolicyFromConfig(cp *[]map[string]json.RawMessage) (string, json.RawMessage, error) {
	if cp == nil || len(*cp) == 0 {
		return roundRobinName, json.RawMessage("{}"), nil
	}
	for _, entry := range *cp {
		for name, raw := range entry {
			if balancer.Get(name) != nil {
				return name, raw, nil
			}
		}
	}
	return "", nil, fmt.Errorf("grpclb: no known policies in childPolicy list %+v", cp)
}

// childIsPickFirst reports whether the configured child policy is
// pick_first. spec.md §4.5 conditions "inhibit health checking" on backends
// coming from grpclb; this module additionally inhibits it only when the
// child is pick_first, following the original grpclb implementation this
// rule was inherited from (see SPEC_FULL.md §9).
func (c *lbConfig) childIsPickFirst() bool {
	return c != nil && c.childPolicyName == pickFirstName
}
