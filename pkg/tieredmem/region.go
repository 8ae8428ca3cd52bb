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
	"sync"
	"sync/atomic"
)

var (
	// ErrRegionsFull is returned when all region slots are taken.
	ErrRegionsFull = fmt.Errorf("no free region slots (max=%d)", maxManagedRegions)
	// ErrRegionOverlap is returned when a new region overlaps an
	// active one.
	ErrRegionOverlap = fmt.Errorf("region overlaps an active region")
	// ErrRegionEmpty is returned for a zero-length region.
	ErrRegionEmpty = fmt.Errorf("region length must be non-zero")
)

// Region is one registered address range. Counters are atomic so the
// fault task updates them without holding the registry mutex.
type Region struct {
	baseAddr uint64
	length   uint64
	active   bool

	totalFaults atomic.Uint64
	pagesInDRAM atomic.Uint64
	pagesInNVM  atomic.Uint64
}

func (r *Region) BaseAddr() uint64 {
	return r.baseAddr
}

func (r *Region) Length() uint64 {
	return r.length
}

func (r *Region) TotalFaults() uint64 {
	return r.totalFaults.Load()
}

func (r *Region) PagesInDRAM() uint64 {
	return r.pagesInDRAM.Load()
}

func (r *Region) PagesInNVM() uint64 {
	return r.pagesInNVM.Load()
}

func (r *Region) contains(addr uint64) bool {
	return addr >= r.baseAddr && addr < r.baseAddr+r.length
}

func (r *Region) overlaps(addr, length uint64) bool {
	return addr < r.baseAddr+r.length && r.baseAddr < addr+length
}

// regionRegistry is a fixed-slot directory of managed regions.
type regionRegistry struct {
	mutex   sync.Mutex
	regions [maxManagedRegions]Region
	count   int
}

// register activates the first free slot for [addr, addr+length).
// The arm callback runs inside the registry lock, before the slot is
// activated; its failure aborts the registration.
func (rr *regionRegistry) register(addr, length uint64, arm func() error) (int, error) {
	if length == 0 {
		return -1, ErrRegionEmpty
	}

	rr.mutex.Lock()
	defer rr.mutex.Unlock()

	slot := -1
	for i := range rr.regions {
		r := &rr.regions[i]
		if !r.active {
			if slot < 0 {
				slot = i
			}
			continue
		}
		if r.overlaps(addr, length) {
			return -1, ErrRegionOverlap
		}
	}
	if slot < 0 {
		return -1, ErrRegionsFull
	}

	if arm != nil {
		if err := arm(); err != nil {
			return -1, err
		}
	}

	r := &rr.regions[slot]
	r.baseAddr = addr
	r.length = length
	r.active = true
	r.totalFaults.Store(0)
	r.pagesInDRAM.Store(0)
	r.pagesInNVM.Store(0)
	rr.count++
	return slot, nil
}

// unregister deactivates the active slot with the given base
// address. Unknown addresses are ignored. The disarm callback runs
// inside the registry lock for a found slot.
func (rr *regionRegistry) unregister(addr uint64, disarm func(base, length uint64)) bool {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()
	for i := range rr.regions {
		r := &rr.regions[i]
		if r.active && r.baseAddr == addr {
			if disarm != nil {
				disarm(r.baseAddr, r.length)
			}
			r.active = false
			rr.count--
			return true
		}
	}
	return false
}

// find returns the active region containing pageAddr, or nil.
func (rr *regionRegistry) find(pageAddr uint64) *Region {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()
	for i := range rr.regions {
		r := &rr.regions[i]
		if r.active && r.contains(pageAddr) {
			return r
		}
	}
	return nil
}

func (rr *regionRegistry) activeCount() int {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()
	return rr.count
}

// forEach visits every active region under the registry lock.
func (rr *regionRegistry) forEach(visit func(slot int, r *Region)) {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()
	for i := range rr.regions {
		if rr.regions[i].active {
			visit(i, &rr.regions[i])
		}
	}
}

// unregisterAll deactivates every region, disarming each.
func (rr *regionRegistry) unregisterAll(disarm func(base, length uint64)) {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()
	for i := range rr.regions {
		r := &rr.regions[i]
		if r.active {
			if disarm != nil {
				disarm(r.baseAddr, r.length)
			}
			r.active = false
		}
	}
	rr.count = 0
}
