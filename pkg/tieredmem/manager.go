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
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Manager owns the whole tiered memory state: the region registry,
// the page statistics table, tier accounting, the policy seam and
// the two long-lived tasks. One Manager per process; its owner
// controls the lifetime, there is no package-level singleton.
type Manager struct {
	mutex       sync.Mutex
	initialized bool
	config      *Config

	faultSource FaultSource
	pages       *PageStatsTable
	registry    regionRegistry
	sampler     *Sampler

	// tiers is indexed by TierKind; the used fields are guarded
	// by migrationMutex.
	tiers          [tierCount]Tier
	migrationMutex sync.Mutex

	policy atomic.Pointer[PolicyFn]

	totalFaults     atomic.Uint64
	totalMigrations atomic.Uint64
	policyCycles    atomic.Uint64

	running    atomic.Bool
	stop       chan struct{}
	faultDone  chan struct{}
	policyDone chan struct{}
}

// NewManager creates a manager over the platform fault source
// (userfaultfd on Linux).
func NewManager(config *Config) (*Manager, error) {
	source, err := newPlatformFaultSource()
	if err != nil {
		return nil, err
	}
	return NewManagerWithSource(config, source)
}

// NewManagerWithSource creates a manager over an explicit fault
// source. A nil config selects the defaults.
func NewManagerWithSource(config *Config, source FaultSource) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("nil fault source")
	}
	m := &Manager{
		config:      config,
		faultSource: source,
		pages:       NewPageStatsTable(),
	}
	m.initTiers()
	m.SetPolicy(nil)
	return m, nil
}

func (m *Manager) initTiers() {
	m.tiers[TierDRAM] = Tier{
		name:           TierDRAM.String(),
		capacity:       uint64(MustParseBytes(m.config.DRAM.Size)),
		readLatencyNs:  m.config.DRAM.ReadLatencyNs,
		writeLatencyNs: m.config.DRAM.WriteLatencyNs,
	}
	m.tiers[TierNVM] = Tier{
		name:           TierNVM.String(),
		capacity:       uint64(MustParseBytes(m.config.NVM.Size)),
		readLatencyNs:  m.config.NVM.ReadLatencyNs,
		writeLatencyNs: m.config.NVM.WriteLatencyNs,
	}
	log.Infof("initialized tiers: DRAM=%s, NVM=%s", m.config.DRAM.Size, m.config.NVM.Size)
}

// Start launches the fault handler and policy loop tasks and, if
// configured, the hardware sampler. Idempotent.
func (m *Manager) Start() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.initialized {
		log.Debugf("manager already initialized")
		return nil
	}

	if m.config.Sampler.Enable {
		source, err := newPlatformSampleSource(&m.config.Sampler)
		if err != nil {
			log.Infof("hardware sampling unavailable: %v", err)
		} else {
			sampler := NewSampler(source, &m.config.Sampler)
			if err := sampler.Init(); err != nil {
				log.Infof("hardware sampling unavailable: %v", err)
			} else if err := sampler.Start(); err != nil {
				log.Infof("hardware sampling unavailable: %v", err)
				sampler.Shutdown()
			} else {
				m.sampler = sampler
				log.Infof("hardware sampling enabled")
			}
		}
	}

	m.stop = make(chan struct{})
	m.faultDone = make(chan struct{})
	m.policyDone = make(chan struct{})
	m.running.Store(true)
	go m.faultLoop()
	go m.policyLoop()

	m.initialized = true
	log.Infof("tiered memory manager started")
	return nil
}

// Stop signals both tasks, joins the policy loop, then the fault
// handler, then shuts down the sampler, and releases the fault
// source and the statistics table. Idempotent.
func (m *Manager) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.initialized {
		return nil
	}

	m.running.Store(false)
	close(m.stop)
	<-m.policyDone
	<-m.faultDone
	if m.sampler != nil {
		m.sampler.Shutdown()
		m.sampler = nil
	}

	log.Infof("final stats: faults=%d, migrations=%d, cycles=%d",
		m.totalFaults.Load(), m.totalMigrations.Load(), m.policyCycles.Load())

	var errs *multierror.Error
	m.registry.unregisterAll(func(base, length uint64) {
		if err := m.faultSource.UnregisterRange(base, length); err != nil {
			errs = multierror.Append(errs, err)
		}
	})
	if err := m.faultSource.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	m.pages.Cleanup()

	m.initialized = false
	log.Infof("shutdown complete")
	return errs.ErrorOrNil()
}

// RegisterRegion puts [addr, addr+length) under management: the
// fault source is armed for the range and subsequent faults in it
// resolve through this manager.
func (m *Manager) RegisterRegion(addr, length uint64) error {
	m.mutex.Lock()
	initialized := m.initialized
	m.mutex.Unlock()
	if !initialized {
		return errors.New("manager not started")
	}

	slot, err := m.registry.register(addr, length, func() error {
		return m.faultSource.RegisterRange(addr, length)
	})
	if err != nil {
		return err
	}
	log.Infof("registered region: %#x + %d bytes (slot %d)", addr, length, slot)
	return nil
}

// UnregisterRegion disarms and drops the region with the given base
// address. Unknown addresses are ignored.
func (m *Manager) UnregisterRegion(addr uint64) {
	found := m.registry.unregister(addr, func(base, length uint64) {
		if err := m.faultSource.UnregisterRange(base, length); err != nil {
			log.Errorf("disarming region %#x failed: %v", base, err)
		}
	})
	if found {
		log.Infof("unregistered region: %#x", addr)
	}
}

// SetPolicy swaps the migration policy. A nil policy reinstates the
// default heuristic. The swap is atomic; the policy loop loads the
// pointer once per decision.
func (m *Manager) SetPolicy(policy PolicyFn) {
	reset := policy == nil
	if reset {
		policy, _ = NewPolicyFn("heuristic", &m.config.Policy)
	}
	m.policy.Store(&policy)
	if reset {
		log.Infof("migration policy reset to default")
	} else {
		log.Infof("migration policy updated")
	}
}

// RecordAccess counts a software-observed access of the page
// containing addr.
func (m *Manager) RecordAccess(addr uint64, isWrite bool) {
	m.pages.RecordAccess(addr, isWrite)
}

// GetPageStats returns a snapshot of the record of the page
// containing addr, or nil if the page is untracked.
func (m *Manager) GetPageStats(addr uint64) *PageStatsSnapshot {
	stats := m.pages.Lookup(addr)
	if stats == nil {
		return nil
	}
	return stats.snapshot()
}

// PageStats exposes the statistics table.
func (m *Manager) PageStats() *PageStatsTable {
	return m.pages
}

// Sampler returns the hardware sampler, or nil when sampling is
// disabled or unavailable.
func (m *Manager) Sampler() *Sampler {
	return m.sampler
}

// TotalFaults returns the number of faults resolved.
func (m *Manager) TotalFaults() uint64 {
	return m.totalFaults.Load()
}

// TotalMigrations returns the number of migrations executed.
func (m *Manager) TotalMigrations() uint64 {
	return m.totalMigrations.Load()
}

// PolicyCycles returns the number of completed policy cycles.
func (m *Manager) PolicyCycles() uint64 {
	return m.policyCycles.Load()
}

// ActiveRegions returns the number of active region slots.
func (m *Manager) ActiveRegions() int {
	return m.registry.activeCount()
}

// ForEachRegion visits every active region under the registry lock.
func (m *Manager) ForEachRegion(visit func(slot int, r *Region)) {
	m.registry.forEach(visit)
}

// TierUsage returns the used and capacity bytes of a tier.
func (m *Manager) TierUsage(kind TierKind) (used, capacity uint64) {
	if !kind.valid() {
		return 0, 0
	}
	m.migrationMutex.Lock()
	defer m.migrationMutex.Unlock()
	return m.tiers[kind].used, m.tiers[kind].capacity
}

// mergeHwSamples folds hardware sample estimates into the page
// statistics; a no-op without a sampler.
func (m *Manager) mergeHwSamples() {
	if m.sampler == nil {
		return
	}
	m.sampler.MergeIntoPageStats(m.pages)
}

// Status returns a human-readable snapshot of counters, tier usage
// and active regions.
func (m *Manager) Status() string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== Tiered Memory Manager Status ===\n")
	fmt.Fprintf(&b, "Faults: %d  Migrations: %d  Cycles: %d  Pages: %d\n",
		m.totalFaults.Load(), m.totalMigrations.Load(),
		m.policyCycles.Load(), m.pages.TrackedPages())

	fmt.Fprintf(&b, "\nTiers:\n")
	for _, kind := range []TierKind{TierDRAM, TierNVM} {
		used, capacity := m.TierUsage(kind)
		percent := 0.0
		if capacity > 0 {
			percent = 100.0 * float64(used) / float64(capacity)
		}
		fmt.Fprintf(&b, "  %s: %d/%d bytes (%.1f%%)\n", kind, used, capacity, percent)
	}

	fmt.Fprintf(&b, "\nManaged regions: %d\n", m.registry.activeCount())
	m.registry.forEach(func(slot int, r *Region) {
		fmt.Fprintf(&b, "  [%d] %#x + %d bytes, faults=%d dram=%d nvm=%d\n",
			slot, r.baseAddr, r.length,
			r.totalFaults.Load(), r.pagesInDRAM.Load(), r.pagesInNVM.Load())
	})

	fmt.Fprintf(&b, "\n%s\n", m.pages.Summary())

	if m.sampler != nil {
		stats := m.sampler.Stats()
		fmt.Fprintf(&b, "\nSampler (%s): samples=%d reads=%d writes=%d throttles=%d errors=%d\n",
			m.sampler.State(), stats.TotalSamples, stats.ReadSamples,
			stats.WriteSamples, stats.ThrottleEvents, stats.Errors)
	}

	return b.String()
}
