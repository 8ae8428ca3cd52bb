// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tieredmem

import (
	"fmt"
	"sort"
)

// Decision proposes moving one page between tiers.
type Decision struct {
	PageAddr   uint64
	From       TierKind
	To         TierKind
	Confidence float64
	Reason     string
}

// PolicyFn inspects one page record and optionally proposes a
// migration. This is the pluggable seam for learned policies: the
// record exposes access counts, timestamps, heat score, access rate,
// tier and migration history as features.
type PolicyFn func(stats *PageStats) (Decision, bool)

// PolicyCreator builds a policy function from the policy options.
type PolicyCreator func(options *PolicyOptions) PolicyFn

// policies is a map of policy name -> policy creator
var policies map[string]PolicyCreator = make(map[string]PolicyCreator, 0)

func PolicyRegister(name string, creator PolicyCreator) {
	policies[name] = creator
}

func PolicyList() []string {
	keys := make([]string, 0, len(policies))
	for key := range policies {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func NewPolicyFn(name string, options *PolicyOptions) (PolicyFn, error) {
	if creator, ok := policies[name]; ok {
		return creator(options), nil
	}
	return nil, fmt.Errorf("invalid policy name %q", name)
}
