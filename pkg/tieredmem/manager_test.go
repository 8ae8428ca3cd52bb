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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const regionBase = uint64(0x7f0000000000)

// testConfig slows the policy loop down so that tests drive cycles
// synchronously with runPolicyCycle.
func testConfig() *Config {
	config := DefaultConfig()
	config.IntervalMs = 60000
	config.Policy.MinResidenceMs = 0
	return config
}

func newTestManager(t *testing.T, config *Config) (*Manager, *SimFaultSource) {
	t.Helper()
	sim := NewSimFaultSource()
	manager, err := NewManagerWithSource(config, sim)
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	t.Cleanup(func() {
		require.NoError(t, manager.Stop())
	})
	return manager, sim
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// touchPages faults count pages of the region in and waits until the
// fault handler has resolved them all.
func touchPages(t *testing.T, m *Manager, sim *SimFaultSource, count int) {
	t.Helper()
	before := m.TotalFaults()
	for i := 0; i < count; i++ {
		require.True(t, sim.Touch(regionBase+uint64(i)*PageSize, false))
	}
	eventually(t, func() bool {
		return m.TotalFaults() >= before+uint64(count)
	}, "fault handler did not resolve all touches")
}

// checkTierAccounting verifies that tier usage equals the page-sized
// sum over placed records.
func checkTierAccounting(t *testing.T, m *Manager) {
	t.Helper()
	placed := uint64(0)
	table := m.pages
	table.mutex.RLock()
	for i := range table.buckets {
		for entry := table.buckets[i]; entry != nil; entry = entry.next {
			if entry.Tier() != TierUnknown {
				placed++
			}
		}
	}
	table.mutex.RUnlock()

	dramUsed, dramCapacity := m.TierUsage(TierDRAM)
	nvmUsed, nvmCapacity := m.TierUsage(TierNVM)
	require.LessOrEqual(t, dramUsed, dramCapacity)
	require.LessOrEqual(t, nvmUsed, nvmCapacity)
	require.Equal(t, placed*PageSize, dramUsed+nvmUsed)
}

func TestColdCreation(t *testing.T) {
	manager, sim := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))

	touchPages(t, manager, sim, 1)

	require.Equal(t, uint64(1), manager.TotalFaults())
	stats := manager.GetPageStats(regionBase)
	require.NotNil(t, stats)
	require.Equal(t, TierDRAM, stats.Tier)
	require.Equal(t, uint64(1), stats.AccessCount)
	require.Equal(t, uint64(1), stats.ReadCount)

	dramUsed, _ := manager.TierUsage(TierDRAM)
	require.Equal(t, uint64(PageSize), dramUsed)

	region := manager.registry.find(regionBase)
	require.NotNil(t, region)
	require.Equal(t, uint64(1), region.TotalFaults())
	require.Equal(t, uint64(1), region.PagesInDRAM())
	checkTierAccounting(t, manager)
}

func TestPlacementFallsToSlowTier(t *testing.T) {
	config := testConfig()
	config.DRAM.Size = "8k" // two pages
	manager, sim := newTestManager(t, config)
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))

	touchPages(t, manager, sim, 3)

	require.Equal(t, TierDRAM, manager.GetPageStats(regionBase).Tier)
	require.Equal(t, TierDRAM, manager.GetPageStats(regionBase+PageSize).Tier)
	require.Equal(t, TierNVM, manager.GetPageStats(regionBase+2*PageSize).Tier)

	dramUsed, dramCapacity := manager.TierUsage(TierDRAM)
	require.Equal(t, dramCapacity, dramUsed)
	nvmUsed, _ := manager.TierUsage(TierNVM)
	require.Equal(t, uint64(PageSize), nvmUsed)
	checkTierAccounting(t, manager)
}

// makeHot fabricates counters so that recomputed features cross the
// hot threshold.
func makeHot(stats *PageStats) {
	stats.accessCount.Store(1000000)
	stats.readCount.Store(1000000)
	stats.lastAccessNs.Store(timeNow())
}

// makeCold shifts a page 30 seconds into the past.
func makeCold(stats *PageStats) {
	past := timeNow() - 30*1000*1000*1000
	stats.lastAccessNs.Store(past)
	stats.allocationNs = past
}

func TestPromotionAfterDemotionFreesRoom(t *testing.T) {
	config := testConfig()
	config.DRAM.Size = "8k"
	manager, sim := newTestManager(t, config)
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))

	touchPages(t, manager, sim, 3)

	makeCold(manager.pages.Lookup(regionBase))
	makeCold(manager.pages.Lookup(regionBase + PageSize))
	hotPage := regionBase + 2*PageSize
	makeHot(manager.pages.Lookup(hotPage))

	// First cycle demotes the cold DRAM pages; the promotion may
	// still find DRAM full. The second cycle promotes.
	manager.runPolicyCycle()
	manager.runPolicyCycle()

	require.Equal(t, TierDRAM, manager.GetPageStats(hotPage).Tier)
	require.GreaterOrEqual(t, manager.TotalMigrations(), uint64(3))
	checkTierAccounting(t, manager)
}

func TestColdDemotion(t *testing.T) {
	manager, sim := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))

	touchPages(t, manager, sim, 1)
	require.Equal(t, TierDRAM, manager.GetPageStats(regionBase).Tier)

	makeCold(manager.pages.Lookup(regionBase))
	manager.runPolicyCycle()

	stats := manager.GetPageStats(regionBase)
	require.Equal(t, TierNVM, stats.Tier)
	require.Equal(t, uint32(1), stats.MigrationCount)
	require.Greater(t, stats.LastMigrationNs, uint64(0))

	dramUsed, _ := manager.TierUsage(TierDRAM)
	nvmUsed, _ := manager.TierUsage(TierNVM)
	require.Equal(t, uint64(0), dramUsed)
	require.Equal(t, uint64(PageSize), nvmUsed)
	checkTierAccounting(t, manager)
}

func TestAntiThrashing(t *testing.T) {
	config := testConfig()
	config.Policy.MinResidenceMs = 100
	manager, sim := newTestManager(t, config)
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))

	touchPages(t, manager, sim, 1)
	stats := manager.pages.Lookup(regionBase)

	// Force a demotion, then contrive heat so the page would
	// immediately qualify for promotion back.
	makeCold(stats)
	manager.runPolicyCycle()
	require.Equal(t, TierNVM, stats.Tier())
	migrationsAfterDemotion := manager.TotalMigrations()

	makeHot(stats)
	manager.runPolicyCycle()
	require.Equal(t, TierNVM, stats.Tier())
	require.Equal(t, migrationsAfterDemotion, manager.TotalMigrations())
}

func TestMigrationRateLimit(t *testing.T) {
	manager, sim := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 64*PageSize))

	touchPages(t, manager, sim, 50)

	// Demote everything by hand into NVM, then make all 50 pages
	// qualify for promotion in the same cycle.
	for i := 0; i < 50; i++ {
		stats := manager.pages.Lookup(regionBase + uint64(i)*PageSize)
		require.NoError(t, manager.executeMigration(Decision{
			PageAddr: stats.Addr(), From: TierDRAM, To: TierNVM, Confidence: 1.0,
		}))
		makeHot(stats)
	}
	migrated := manager.TotalMigrations()
	require.Equal(t, uint64(50), migrated)

	manager.runPolicyCycle()
	require.Equal(t, migrated+10, manager.TotalMigrations())

	// The remainder carries over to subsequent cycles.
	for cycle := 0; cycle < 4; cycle++ {
		manager.runPolicyCycle()
	}
	require.Equal(t, migrated+50, manager.TotalMigrations())
	checkTierAccounting(t, manager)
}

func TestPolicySwap(t *testing.T) {
	manager, sim := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))

	touchPages(t, manager, sim, 5)
	for i := 0; i < 5; i++ {
		stats := manager.pages.Lookup(regionBase + uint64(i)*PageSize)
		require.NoError(t, manager.executeMigration(Decision{
			PageAddr: stats.Addr(), From: TierDRAM, To: TierNVM, Confidence: 1.0,
		}))
	}

	manager.SetPolicy(func(stats *PageStats) (Decision, bool) {
		if stats.Tier() != TierNVM {
			return Decision{}, false
		}
		return Decision{
			PageAddr:   stats.Addr(),
			From:       TierNVM,
			To:         TierDRAM,
			Confidence: 1.0,
			Reason:     "always promote",
		}, true
	})
	manager.runPolicyCycle()

	for i := 0; i < 5; i++ {
		stats := manager.GetPageStats(regionBase + uint64(i)*PageSize)
		require.Equal(t, TierDRAM, stats.Tier, "page %d", i)
	}
	checkTierAccounting(t, manager)
}

func TestRegionUnregistration(t *testing.T) {
	manager, sim := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))
	require.Equal(t, 1, manager.ActiveRegions())

	touchPages(t, manager, sim, 2)
	require.Equal(t, uint64(2), manager.TotalFaults())

	manager.UnregisterRegion(regionBase)
	require.Equal(t, 0, manager.ActiveRegions())

	// A touch in the unregistered range faults into the kernel,
	// not here.
	require.False(t, sim.Touch(regionBase+4*PageSize, false))
	require.Equal(t, uint64(2), manager.TotalFaults())
}

func TestSampleMergeThroughPolicyCycle(t *testing.T) {
	manager, _ := newTestManager(t, testConfig())

	source := &fakeSampleSource{}
	sampler := NewSampler(source, samplerOptionsForTest())
	require.NoError(t, sampler.Init())
	require.NoError(t, sampler.Start())
	manager.sampler = sampler

	sampleAddr := regionBase + 8*PageSize
	samples := make([]Sample, 10)
	for i := range samples {
		samples[i] = Sample{Addr: sampleAddr, Write: false, Weight: 100}
	}
	source.emit(samples...)
	waitForSampler(t, sampler, 10)

	manager.runPolicyCycle()

	stats := manager.GetPageStats(sampleAddr)
	require.NotNil(t, stats)
	require.GreaterOrEqual(t, stats.ReadCount, uint64(1000000))
}

func TestFaultOverwritesSamplerPopulatedTier(t *testing.T) {
	manager, sim := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))

	// A sampler merge may create the record before the first
	// fault; the fault path owns the placement.
	stats := manager.pages.LookupOrCreate(regionBase)
	require.Equal(t, TierUnknown, stats.Tier())

	touchPages(t, manager, sim, 1)
	require.Equal(t, TierDRAM, stats.Tier())
}

func TestStartStopIdempotence(t *testing.T) {
	sim := NewSimFaultSource()
	manager, err := NewManagerWithSource(testConfig(), sim)
	require.NoError(t, err)

	require.NoError(t, manager.Start())
	require.NoError(t, manager.Start())

	require.NoError(t, manager.Stop())
	require.NoError(t, manager.Stop())
}

func TestSetPolicyNilIdempotence(t *testing.T) {
	manager, sim := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))
	touchPages(t, manager, sim, 1)

	manager.SetPolicy(nil)
	manager.SetPolicy(nil)

	// The default heuristic is back: a cold DRAM page gets
	// demoted.
	makeCold(manager.pages.Lookup(regionBase))
	manager.runPolicyCycle()
	require.Equal(t, TierNVM, manager.GetPageStats(regionBase).Tier)
}

func TestRegisterRegionErrors(t *testing.T) {
	manager, _ := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))

	require.ErrorIs(t, manager.RegisterRegion(regionBase, 16*PageSize), ErrRegionOverlap)
	require.ErrorIs(t, manager.RegisterRegion(regionBase, 0), ErrRegionEmpty)

	stopped, err := NewManagerWithSource(testConfig(), NewSimFaultSource())
	require.NoError(t, err)
	require.Error(t, stopped.RegisterRegion(regionBase, PageSize))
}

func TestStatus(t *testing.T) {
	manager, sim := newTestManager(t, testConfig())
	require.NoError(t, manager.RegisterRegion(regionBase, 16*PageSize))
	touchPages(t, manager, sim, 2)

	status := manager.Status()
	require.Contains(t, status, "Faults: 2")
	require.Contains(t, status, "DRAM:")
	require.Contains(t, status, "NVM:")
	require.True(t, strings.Contains(status, "Managed regions: 1"))
}

func TestRecordAccessThroughManager(t *testing.T) {
	manager, _ := newTestManager(t, testConfig())

	manager.RecordAccess(0x123456, true)
	stats := manager.GetPageStats(0x123456)
	require.NotNil(t, stats)
	require.Equal(t, PageAlign(uint64(0x123456)), stats.PageAddr)
	require.Equal(t, uint64(1), stats.WriteCount)

	require.Nil(t, manager.GetPageStats(0x9999999))
}
