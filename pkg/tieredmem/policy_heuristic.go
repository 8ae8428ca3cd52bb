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

func init() {
	PolicyRegister("heuristic", NewHeuristicPolicy)
	PolicyRegister("stub", NewStubPolicy)
}

// NewHeuristicPolicy returns the default threshold policy: promote
// hot NVM pages, demote cold DRAM pages, leave recently migrated
// pages alone.
func NewHeuristicPolicy(options *PolicyOptions) PolicyFn {
	hot := options.HotThreshold
	cold := options.ColdThreshold
	minResidenceNs := options.minResidenceNs()

	return func(stats *PageStats) (Decision, bool) {
		if lastMigration := stats.LastMigrationNs(); lastMigration > 0 {
			if timeNow()-lastMigration < minResidenceNs {
				return Decision{}, false
			}
		}

		heat := stats.HeatScore()
		switch stats.Tier() {
		case TierNVM:
			if heat > hot {
				return Decision{
					PageAddr:   stats.Addr(),
					From:       TierNVM,
					To:         TierDRAM,
					Confidence: heat,
					Reason:     "hot promotion",
				}, true
			}
		case TierDRAM:
			if heat < cold {
				return Decision{
					PageAddr:   stats.Addr(),
					From:       TierDRAM,
					To:         TierNVM,
					Confidence: 1.0 - heat,
					Reason:     "cold demotion",
				}, true
			}
		}
		return Decision{}, false
	}
}

// NewStubPolicy returns a policy that never migrates anything.
func NewStubPolicy(options *PolicyOptions) PolicyFn {
	return func(stats *PageStats) (Decision, bool) {
		return Decision{}, false
	}
}
