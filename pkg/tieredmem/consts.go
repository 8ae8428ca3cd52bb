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
	"time"
)

const (
	// PageSize is the unit of memory managed by this package.
	PageSize = 4096

	// LargeAllocThreshold is the allocation size starting from
	// which the interposition shim hands allocations over to
	// RegisterRegion.
	LargeAllocThreshold = 1 << 30

	// maxManagedRegions bounds the region registry.
	maxManagedRegions = 64

	// pageStatsHashSize is a prime, sized for ~1M tracked pages.
	pageStatsHashSize = 1048583

	// samplerHashSize is a prime for the hardware sample table.
	samplerHashSize = 65537

	// hashGolden is the 64-bit golden ratio multiplier used for
	// page frame number hashing.
	hashGolden uint64 = 0x9E3779B97F4A7C15

	// faultPollTimeout bounds a single wait for fault events, so
	// that the fault task notices shutdown.
	faultPollTimeout = 100 * time.Millisecond

	// samplerDrainInterval is the hardware sample ring buffer
	// polling cadence.
	samplerDrainInterval = time.Millisecond

	// statusLogCycles makes the policy loop emit a status line
	// every this many cycles.
	statusLogCycles = 100
)

var monotonicBase = time.Now()

// timeNow returns monotonic nanoseconds since package initialization.
func timeNow() uint64 {
	return uint64(time.Since(monotonicBase))
}

// PageAlign rounds addr down to its page boundary.
func PageAlign(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

func hashPageAddr(addr uint64, buckets uint64) uint64 {
	pfn := addr >> 12
	return (pfn * hashGolden) % buckets
}
