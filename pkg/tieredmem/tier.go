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

// TierKind identifies a memory tier.
type TierKind int32

const (
	TierUnknown TierKind = iota
	// TierDRAM is the fast tier.
	TierDRAM
	// TierNVM is the slow tier (NVM/CXL).
	TierNVM
	tierCount
)

func (k TierKind) String() string {
	switch k {
	case TierDRAM:
		return "DRAM"
	case TierNVM:
		return "NVM"
	}
	return "Unknown"
}

func (k TierKind) valid() bool {
	return k == TierDRAM || k == TierNVM
}

// Tier holds the accounting record of one memory tier. The used
// field is not atomic: all mutations are serialized by the manager's
// migration mutex.
type Tier struct {
	name           string
	capacity       uint64
	used           uint64
	readLatencyNs  uint64
	writeLatencyNs uint64
}

func (t *Tier) Name() string {
	return t.name
}

func (t *Tier) Capacity() uint64 {
	return t.capacity
}

// ReadLatencyNs is an informational access latency hint.
func (t *Tier) ReadLatencyNs() uint64 {
	return t.readLatencyNs
}

func (t *Tier) WriteLatencyNs() uint64 {
	return t.writeLatencyNs
}

func (t *Tier) hasRoom() bool {
	return t.used+PageSize <= t.capacity
}
