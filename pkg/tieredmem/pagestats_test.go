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
	"sync"
	"testing"
	"time"
)

func TestLookupOrCreate(t *testing.T) {
	table := NewPageStatsTable()

	if stats := table.Lookup(0x10000); stats != nil {
		t.Fatalf("lookup of untracked page returned %v", stats)
	}

	created := table.LookupOrCreate(0x10000)
	if created == nil {
		t.Fatal("LookupOrCreate returned nil")
	}
	if created.Tier() != TierUnknown {
		t.Errorf("fresh record tier: expected Unknown, got %s", created.Tier())
	}
	if created.AccessCount() != 0 {
		t.Errorf("fresh record access count: expected 0, got %d", created.AccessCount())
	}
	if created.FirstAccessNs() > created.LastAccessNs() {
		t.Errorf("firstAccess %d > lastAccess %d", created.FirstAccessNs(), created.LastAccessNs())
	}

	if again := table.LookupOrCreate(0x10000); again != created {
		t.Error("second LookupOrCreate returned a different record")
	}
	if table.TrackedPages() != 1 {
		t.Errorf("tracked pages: expected 1, got %d", table.TrackedPages())
	}
}

func TestRecordAccessSamePage(t *testing.T) {
	table := NewPageStatsTable()

	// Both ends of one page must hit the same record.
	table.RecordAccess(0x20000, false)
	table.RecordAccess(0x20000+PageSize-1, true)

	if table.TrackedPages() != 1 {
		t.Fatalf("tracked pages: expected 1, got %d", table.TrackedPages())
	}
	stats := table.Lookup(0x20000)
	if stats == nil {
		t.Fatal("no record at page base")
	}
	if stats.AccessCount() != 2 || stats.ReadCount() != 1 || stats.WriteCount() != 1 {
		t.Errorf("counts: access=%d read=%d write=%d, expected 2/1/1",
			stats.AccessCount(), stats.ReadCount(), stats.WriteCount())
	}
}

func TestRecordAccessCountInvariant(t *testing.T) {
	table := NewPageStatsTable()

	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				table.RecordAccess(0x30000, w%2 == 0)
			}
		}(worker)
	}
	wg.Wait()

	stats := table.Lookup(0x30000)
	if stats.AccessCount() != 4000 {
		t.Errorf("access count: expected 4000, got %d", stats.AccessCount())
	}
	if stats.AccessCount() != stats.ReadCount()+stats.WriteCount() {
		t.Errorf("access %d != read %d + write %d",
			stats.AccessCount(), stats.ReadCount(), stats.WriteCount())
	}
}

func TestComputeFeaturesHotPage(t *testing.T) {
	table := NewPageStatsTable()
	stats := table.LookupOrCreate(0x40000)

	// High access rate, just accessed.
	stats.accessCount.Store(1000000)
	stats.lastAccessNs.Store(timeNow())
	computeFeatures(stats)

	if stats.AccessRate() < 1000 {
		t.Fatalf("test setup: access rate %f below 1000", stats.AccessRate())
	}
	if stats.HeatScore() < 0.6 {
		t.Errorf("hot page heat: expected >= 0.6, got %f", stats.HeatScore())
	}
	if stats.HeatScore() > 1.0 {
		t.Errorf("heat above 1.0: %f", stats.HeatScore())
	}
}

func TestComputeFeaturesDecay(t *testing.T) {
	table := NewPageStatsTable()
	stats := table.LookupOrCreate(0x50000)

	// Untouched page: heat decays monotonically towards 0.
	computeFeatures(stats)
	previous := stats.HeatScore()
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		computeFeatures(stats)
		if stats.HeatScore() > previous {
			t.Errorf("heat increased from %f to %f without accesses", previous, stats.HeatScore())
		}
		previous = stats.HeatScore()
	}
}

func TestComputeFeaturesColdPage(t *testing.T) {
	table := NewPageStatsTable()
	stats := table.LookupOrCreate(0x60000)
	stats.accessCount.Store(1)

	// Shift last access and allocation 30 seconds into the past.
	now := timeNow()
	stats.lastAccessNs.Store(now - 30*1000*1000*1000)
	stats.allocationNs = now - 30*1000*1000*1000

	computeFeatures(stats)
	if stats.HeatScore() >= 0.3 {
		t.Errorf("30s idle page heat: expected < 0.3, got %f", stats.HeatScore())
	}
}

func TestUpdateAllFeaturesBounds(t *testing.T) {
	table := NewPageStatsTable()
	for i := uint64(0); i < 100; i++ {
		table.RecordAccess(0x100000+i*PageSize, i%3 == 0)
	}
	table.UpdateAllFeatures()

	table.mutex.RLock()
	defer table.mutex.RUnlock()
	for i := range table.buckets {
		for entry := table.buckets[i]; entry != nil; entry = entry.next {
			if entry.heatScore < 0 || entry.heatScore > 1 {
				t.Errorf("page %#x heat out of bounds: %f", entry.pageAddr, entry.heatScore)
			}
		}
	}
}

func TestSummary(t *testing.T) {
	table := NewPageStatsTable()
	hot := table.LookupOrCreate(0x200000)
	hot.heatScore = 0.9
	cold := table.LookupOrCreate(0x300000)
	cold.heatScore = 0.1

	s := table.Summary()
	if s.Total != 2 || s.Hot != 1 || s.Cold != 1 {
		t.Errorf("summary: %+v, expected 2 total, 1 hot, 1 cold", s)
	}
	if s.MeanHeat < 0.49 || s.MeanHeat > 0.51 {
		t.Errorf("mean heat: expected 0.5, got %f", s.MeanHeat)
	}
}

func TestCleanup(t *testing.T) {
	table := NewPageStatsTable()
	for i := uint64(0); i < 10; i++ {
		table.RecordAccess(0x400000+i*PageSize, false)
	}
	table.Cleanup()
	if table.TrackedPages() != 0 {
		t.Errorf("tracked pages after cleanup: %d", table.TrackedPages())
	}
	if stats := table.Lookup(0x400000); stats != nil {
		t.Error("record survived cleanup")
	}
}
