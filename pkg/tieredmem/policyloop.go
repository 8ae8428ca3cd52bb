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

	"github.com/pkg/errors"
)

var errDestinationFull = errors.New("destination tier full")

// policyLoop wakes every IntervalMs, refreshes page features and
// executes up to MaxMigrationsPerCycle migrations proposed by the
// active policy.
func (m *Manager) policyLoop() {
	defer close(m.policyDone)
	log.Infof("policy loop running (interval=%dms)", m.config.IntervalMs)

	interval := time.Duration(m.config.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			log.Infof("policy loop exiting")
			return
		case <-ticker.C:
		}
		m.runPolicyCycle()
	}
}

// runPolicyCycle executes one policy cycle.
func (m *Manager) runPolicyCycle() {
	cycles := m.policyCycles.Add(1)

	m.mergeHwSamples()
	m.pages.UpdateAllFeatures()

	confidenceMin := m.config.Policy.ConfidenceMin
	maxMigrations := m.config.Policy.MaxMigrationsPerCycle
	migrations := 0

	t := m.pages
	t.mutex.RLock()
	for i := 0; i < len(t.buckets) && migrations < maxMigrations; i++ {
		for entry := t.buckets[i]; entry != nil && migrations < maxMigrations; entry = entry.next {
			policy := *m.policy.Load()
			decision, ok := policy(entry)
			if !ok || !validDecision(entry, decision) {
				continue
			}
			if decision.Confidence < confidenceMin {
				continue
			}
			// Records are never unlinked, so the chain
			// position survives dropping the lock.
			t.mutex.RUnlock()
			if m.executeMigration(decision) == nil {
				migrations++
			}
			t.mutex.RLock()
		}
	}
	t.mutex.RUnlock()

	if cycles%statusLogCycles == 0 {
		log.Infof("cycle %d: pages=%d faults=%d migrations=%d",
			cycles, m.pages.TrackedPages(), m.totalFaults.Load(), m.totalMigrations.Load())
	}
}

// validDecision filters out proposals whose source tier disagrees
// with the record or whose confidence is out of range.
func validDecision(stats *PageStats, decision Decision) bool {
	if decision.From != stats.Tier() {
		return false
	}
	if decision.Confidence < 0 || decision.Confidence > 1 {
		return false
	}
	return decision.From.valid() && decision.To.valid() && decision.From != decision.To
}

// executeMigration moves the residency accounting of one page. The
// page bytes stay where they are: residency is metadata, and a
// physical copy between tier backing mappings is an extension hook.
func (m *Manager) executeMigration(decision Decision) error {
	stats := m.pages.Lookup(decision.PageAddr)
	if stats == nil {
		return errors.Errorf("no stats for page %#x", decision.PageAddr)
	}

	m.migrationMutex.Lock()
	src := &m.tiers[decision.From]
	dest := &m.tiers[decision.To]
	if dest.used+PageSize > dest.capacity {
		m.migrationMutex.Unlock()
		log.Debugf("destination tier %s full", dest.name)
		return errDestinationFull
	}
	src.used -= PageSize
	dest.used += PageSize
	m.migrationMutex.Unlock()

	stats.setTier(decision.To)
	stats.lastMigrationNs.Store(timeNow())
	stats.migrationCount.Add(1)

	m.totalMigrations.Add(1)
	log.Debugf("migrated %#x: %s -> %s (%s)",
		decision.PageAddr, src.name, dest.name, decision.Reason)
	return nil
}
