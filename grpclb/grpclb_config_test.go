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
	"encoding/json"
	"testing"
)

func Test_parseConfig(t *testing.T) {
	tests := []struct {
		name            string
		s               string
		wantErr         bool
		wantChildName   string
		wantServiceName string
	}{
		{
			name:          "default_child_policy",
			s:             `{}`,
			wantChildName: roundRobinName,
		},
		{
			name:          "explicit_round_robin",
			s:             `{"childPolicy":[{"round_robin":{}}]}`,
			wantChildName: roundRobinName,
		},
		{
			name:          "pick_first_before_round_robin",
			s:             `{"childPolicy":[{"pick_first":{}},{"round_robin":{}}]}`,
			wantChildName: pickFirstName,
		},
		{
			name:            "service_name_override",
			s:               `{"serviceName":"foo.bar"}`,
			wantChildName:   roundRobinName,
			wantServiceName: "foo.bar",
		},
		{
			name:    "unknown_field_rejected",
			s:       `{"notAField":1}`,
			wantErr: true,
		},
		{
			name:    "no_registered_child_policy",
			s:       `{"childPolicy":[{"not_a_policy":{}}]}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseConfig(json.RawMessage(tt.s))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConfig(%q) error = %v, wantErr %v", tt.s, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			cfg, ok := got.(*lbConfig)
			if !ok {
				t.Fatalf("parseConfig(%q) returned %T, want *lbConfig", tt.s, got)
			}
			if cfg.childPolicyName != tt.wantChildName {
				t.Errorf("childPolicyName = %q, want %q", cfg.childPolicyName, tt.wantChildName)
			}
			if cfg.ServiceName != tt.wantServiceName {
				t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, tt.wantServiceName)
			}
		})
	}
}

func Test_childIsPickFirst(t *testing.T) {
	tests := []struct {
		name string
		cfg  *lbConfig
		want bool
	}{
		{name: "nil_config", cfg: nil, want: false},
		{name: "round_robin", cfg: &lbConfig{childPolicyName: roundRobinName}, want: false},
		{name: "pick_first", cfg: &lbConfig{childPolicyName: pickFirstName}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.childIsPickFirst(); got != tt.want {
				t.Errorf("childIsPickFirst() = %v, want %v", got, tt.want)
			}
		})
	}
}
