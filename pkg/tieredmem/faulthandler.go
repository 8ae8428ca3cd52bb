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
	"github.com/pkg/errors"
)

// faultLoop drains missing-page events until shutdown. The faulting
// application thread is blocked until its event is resolved, so
// everything here is on the application's critical path.
func (m *Manager) faultLoop() {
	defer close(m.faultDone)
	log.Infof("fault handler running")

	for m.running.Load() {
		ev, ok, err := m.faultSource.ReadFault(faultPollTimeout)
		if err != nil {
			log.Errorf("fault source failed: %v", err)
			break
		}
		if !ok {
			continue
		}
		m.handleFault(ev)
	}

	log.Infof("fault handler exiting")
}

// decideInitialPlacement picks the tier of a newly faulted page:
// DRAM while it has room, NVM as fallback. With both tiers full
// there is no eviction path; the page is accounted against DRAM
// regardless.
func (m *Manager) decideInitialPlacement() TierKind {
	m.migrationMutex.Lock()
	defer m.migrationMutex.Unlock()

	if m.tiers[TierDRAM].hasRoom() {
		return TierDRAM
	}
	if m.tiers[TierNVM].hasRoom() {
		return TierNVM
	}
	log.Errorf("both tiers full")
	return TierDRAM
}

func (m *Manager) handleFault(ev FaultEvent) {
	pageAddr := PageAlign(ev.Addr)
	tier := m.decideInitialPlacement()

	if err := m.faultSource.ZeroFill(pageAddr); err != nil {
		if errors.Is(err, ErrPageExists) {
			// Another resolution won the race; it did the
			// accounting.
			return
		}
		log.Errorf("resolving fault at %#x failed: %v", pageAddr, err)
		return
	}

	m.migrationMutex.Lock()
	m.tiers[tier].used += PageSize
	m.migrationMutex.Unlock()

	stats := m.pages.LookupOrCreate(pageAddr)
	stats.setTier(tier)
	m.pages.RecordAccess(pageAddr, false)

	if region := m.registry.find(pageAddr); region != nil {
		region.totalFaults.Add(1)
		if tier == TierDRAM {
			region.pagesInDRAM.Add(1)
		} else {
			region.pagesInNVM.Add(1)
		}
	}

	m.totalFaults.Add(1)
	log.Debugf("resolved fault at %#x -> %s", pageAddr, tier)
}
