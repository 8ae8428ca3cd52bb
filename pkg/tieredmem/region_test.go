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
	"testing"
)

func TestRegionRegister(t *testing.T) {
	rr := &regionRegistry{}

	slot, err := rr.register(0x100000, 16*PageSize, nil)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if slot != 0 {
		t.Errorf("expected slot 0, got %d", slot)
	}
	if rr.activeCount() != 1 {
		t.Errorf("active count: expected 1, got %d", rr.activeCount())
	}

	tcases := []struct {
		name          string
		addr          uint64
		length        uint64
		expectedError error
	}{
		{
			name:          "zero length",
			addr:          0x900000,
			length:        0,
			expectedError: ErrRegionEmpty,
		}, {
			name:          "identical range",
			addr:          0x100000,
			length:        16 * PageSize,
			expectedError: ErrRegionOverlap,
		}, {
			name:          "overlap from below",
			addr:          0x100000 - PageSize,
			length:        2 * PageSize,
			expectedError: ErrRegionOverlap,
		}, {
			name:          "overlap inside",
			addr:          0x100000 + PageSize,
			length:        PageSize,
			expectedError: ErrRegionOverlap,
		}, {
			name:   "adjacent above",
			addr:   0x100000 + 16*PageSize,
			length: PageSize,
		}, {
			name:   "adjacent below",
			addr:   0x100000 - PageSize,
			length: PageSize,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rr.register(tc.addr, tc.length, nil)
			if err != tc.expectedError {
				t.Errorf("expected %v, got %v", tc.expectedError, err)
			}
		})
	}
}

func TestRegionRegistryFull(t *testing.T) {
	rr := &regionRegistry{}
	for i := 0; i < maxManagedRegions; i++ {
		base := uint64(0x1000000) + uint64(i)*0x100000
		if _, err := rr.register(base, PageSize, nil); err != nil {
			t.Fatalf("register %d failed: %v", i, err)
		}
	}
	if _, err := rr.register(0x90000000, PageSize, nil); err != ErrRegionsFull {
		t.Errorf("expected ErrRegionsFull, got %v", err)
	}

	// Freeing one slot makes registration possible again.
	rr.unregister(0x1000000, nil)
	if _, err := rr.register(0x90000000, PageSize, nil); err != nil {
		t.Errorf("register after unregister failed: %v", err)
	}
}

func TestRegionFind(t *testing.T) {
	rr := &regionRegistry{}
	if _, err := rr.register(0x100000, 4*PageSize, nil); err != nil {
		t.Fatal(err)
	}

	tcases := []struct {
		name     string
		addr     uint64
		expected bool
	}{
		{"base", 0x100000, true},
		{"inside", 0x100000 + 2*PageSize, true},
		{"last byte", 0x100000 + 4*PageSize - 1, true},
		{"one past end", 0x100000 + 4*PageSize, false},
		{"below", 0x100000 - 1, false},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			region := rr.find(tc.addr)
			if (region != nil) != tc.expected {
				t.Errorf("find(%#x): expected found=%v, got %v", tc.addr, tc.expected, region)
			}
		})
	}
}

func TestRegionUnregisterUnknown(t *testing.T) {
	rr := &regionRegistry{}
	if _, err := rr.register(0x100000, PageSize, nil); err != nil {
		t.Fatal(err)
	}
	// Unknown base address is silently ignored.
	if found := rr.unregister(0x999000, nil); found {
		t.Error("unregister of unknown base reported success")
	}
	if rr.activeCount() != 1 {
		t.Errorf("active count changed: %d", rr.activeCount())
	}
}

func TestRegionRegisterArmFailure(t *testing.T) {
	rr := &regionRegistry{}
	armErr := ErrPageExists
	if _, err := rr.register(0x100000, PageSize, func() error { return armErr }); err != armErr {
		t.Fatalf("expected arm error, got %v", err)
	}
	if rr.activeCount() != 0 {
		t.Errorf("slot activated despite arming failure")
	}
}
