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
	"math"
	"sync"
	"sync/atomic"
)

// PageStats is the per-page access record. Counters and timestamps
// are atomics updated without the table lock; heatScore and
// accessRate are written only by the policy task.
type PageStats struct {
	pageAddr uint64

	accessCount atomic.Uint64
	readCount   atomic.Uint64
	writeCount  atomic.Uint64

	firstAccessNs uint64
	lastAccessNs  atomic.Uint64
	allocationNs  uint64

	heatScore  float64
	accessRate float64

	currentTier     atomic.Int32
	lastMigrationNs atomic.Uint64
	migrationCount  atomic.Uint32

	next *PageStats
}

func (ps *PageStats) Addr() uint64 {
	return ps.pageAddr
}

func (ps *PageStats) AccessCount() uint64 {
	return ps.accessCount.Load()
}

func (ps *PageStats) ReadCount() uint64 {
	return ps.readCount.Load()
}

func (ps *PageStats) WriteCount() uint64 {
	return ps.writeCount.Load()
}

func (ps *PageStats) FirstAccessNs() uint64 {
	return ps.firstAccessNs
}

func (ps *PageStats) LastAccessNs() uint64 {
	return ps.lastAccessNs.Load()
}

func (ps *PageStats) AllocationNs() uint64 {
	return ps.allocationNs
}

// HeatScore is the combined recency/frequency estimate in [0, 1].
func (ps *PageStats) HeatScore() float64 {
	return ps.heatScore
}

// AccessRate is the estimated accesses per second over the page
// lifetime.
func (ps *PageStats) AccessRate() float64 {
	return ps.accessRate
}

func (ps *PageStats) Tier() TierKind {
	return TierKind(ps.currentTier.Load())
}

func (ps *PageStats) setTier(kind TierKind) {
	ps.currentTier.Store(int32(kind))
}

func (ps *PageStats) LastMigrationNs() uint64 {
	return ps.lastMigrationNs.Load()
}

func (ps *PageStats) MigrationCount() uint32 {
	return ps.migrationCount.Load()
}

// PageStatsSnapshot is a plain copy of a record at one point in time.
type PageStatsSnapshot struct {
	PageAddr        uint64
	AccessCount     uint64
	ReadCount       uint64
	WriteCount      uint64
	FirstAccessNs   uint64
	LastAccessNs    uint64
	AllocationNs    uint64
	HeatScore       float64
	AccessRate      float64
	Tier            TierKind
	LastMigrationNs uint64
	MigrationCount  uint32
}

func (ps *PageStats) snapshot() *PageStatsSnapshot {
	return &PageStatsSnapshot{
		PageAddr:        ps.pageAddr,
		AccessCount:     ps.accessCount.Load(),
		ReadCount:       ps.readCount.Load(),
		WriteCount:      ps.writeCount.Load(),
		FirstAccessNs:   ps.firstAccessNs,
		LastAccessNs:    ps.lastAccessNs.Load(),
		AllocationNs:    ps.allocationNs,
		HeatScore:       ps.heatScore,
		AccessRate:      ps.accessRate,
		Tier:            ps.Tier(),
		LastMigrationNs: ps.lastMigrationNs.Load(),
		MigrationCount:  ps.migrationCount.Load(),
	}
}

// PageStatsTable maps page-aligned addresses to PageStats records.
// The lock guards only the bucket chains; records are never removed
// before Cleanup, so a chain pointer read under the lock stays valid
// after releasing it.
type PageStatsTable struct {
	mutex        sync.RWMutex
	buckets      []*PageStats
	trackedPages atomic.Uint64
}

func NewPageStatsTable() *PageStatsTable {
	return &PageStatsTable{
		buckets: make([]*PageStats, pageStatsHashSize),
	}
}

// TrackedPages returns the number of records in the table.
func (t *PageStatsTable) TrackedPages() uint64 {
	return t.trackedPages.Load()
}

// Lookup returns the record of the page containing addr, or nil.
func (t *PageStatsTable) Lookup(addr uint64) *PageStats {
	aligned := PageAlign(addr)
	bucket := hashPageAddr(aligned, pageStatsHashSize)

	t.mutex.RLock()
	defer t.mutex.RUnlock()
	for entry := t.buckets[bucket]; entry != nil; entry = entry.next {
		if entry.pageAddr == aligned {
			return entry
		}
	}
	return nil
}

// LookupOrCreate returns the record of the page containing addr,
// inserting a fresh one on first observation.
func (t *PageStatsTable) LookupOrCreate(addr uint64) *PageStats {
	if entry := t.Lookup(addr); entry != nil {
		return entry
	}

	aligned := PageAlign(addr)
	bucket := hashPageAddr(aligned, pageStatsHashSize)

	t.mutex.Lock()
	defer t.mutex.Unlock()
	// Double-check after lock upgrade.
	for entry := t.buckets[bucket]; entry != nil; entry = entry.next {
		if entry.pageAddr == aligned {
			return entry
		}
	}

	now := timeNow()
	entry := &PageStats{
		pageAddr:      aligned,
		firstAccessNs: now,
		allocationNs:  now,
	}
	entry.lastAccessNs.Store(now)
	entry.setTier(TierUnknown)

	entry.next = t.buckets[bucket]
	t.buckets[bucket] = entry
	t.trackedPages.Add(1)
	return entry
}

// RecordAccess counts one read or write access of the page
// containing addr. The three counter updates are individually
// atomic; the access == read+write invariant holds once in-flight
// recorders have finished.
func (t *PageStatsTable) RecordAccess(addr uint64, isWrite bool) {
	stats := t.LookupOrCreate(addr)
	stats.accessCount.Add(1)
	if isWrite {
		stats.writeCount.Add(1)
	} else {
		stats.readCount.Add(1)
	}
	stats.lastAccessNs.Store(timeNow())
}

// computeFeatures derives accessRate and heatScore from the raw
// counters. Must only be called from the policy task.
func computeFeatures(stats *PageStats) {
	now := timeNow()
	accessCount := stats.accessCount.Load()
	lastAccess := stats.lastAccessNs.Load()

	lifetimeNs := now - stats.allocationNs
	if lifetimeNs > 0 {
		stats.accessRate = float64(accessCount) * 1e9 / float64(lifetimeNs)
	}

	// Exponential recency decay, ~10 second half-life.
	decaySeconds := float64(now-lastAccess) / 1e9
	recencyFactor := math.Exp(-0.07 * decaySeconds)
	frequencyFactor := math.Min(stats.accessRate/1000.0, 1.0)

	heat := 0.6*recencyFactor + 0.4*frequencyFactor
	stats.heatScore = math.Max(0.0, math.Min(1.0, heat))
}

// UpdateAllFeatures recomputes the derived features of every record.
func (t *PageStatsTable) UpdateAllFeatures() {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	for i := range t.buckets {
		for entry := t.buckets[i]; entry != nil; entry = entry.next {
			computeFeatures(entry)
		}
	}
}

// PageStatsSummary aggregates the table for diagnostics.
type PageStatsSummary struct {
	Total    uint64
	Hot      uint64
	Cold     uint64
	MeanHeat float64
}

func (s PageStatsSummary) String() string {
	return fmt.Sprintf("pages: %d total, %d hot, %d cold, avg heat: %.3f",
		s.Total, s.Hot, s.Cold, s.MeanHeat)
}

// Summary counts hot (heat > 0.5) and cold pages and the mean heat.
func (t *PageStatsTable) Summary() PageStatsSummary {
	s := PageStatsSummary{Total: t.trackedPages.Load()}
	totalHeat := 0.0

	t.mutex.RLock()
	for i := range t.buckets {
		for entry := t.buckets[i]; entry != nil; entry = entry.next {
			totalHeat += entry.heatScore
			if entry.heatScore > 0.5 {
				s.Hot++
			} else {
				s.Cold++
			}
		}
	}
	t.mutex.RUnlock()

	if s.Total > 0 {
		s.MeanHeat = totalHeat / float64(s.Total)
	}
	return s
}

// Cleanup drops every record.
func (t *PageStatsTable) Cleanup() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for i := range t.buckets {
		t.buckets[i] = nil
	}
	t.trackedPages.Store(0)
}
