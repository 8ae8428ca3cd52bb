//go:build linux
// +build linux

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
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Intel PEBS raw event codes.
const (
	pebsEventMemLoads  = 0x80d1 // MEM_LOAD_RETIRED.ALL_LOADS
	pebsEventMemStores = 0x82d0 // MEM_INST_RETIRED.ALL_STORES
)

type perfEventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

// perfSample is the record layout for
// PERF_SAMPLE_IP | TID | ADDR | WEIGHT.
type perfSample struct {
	header perfEventHeader
	ip     uint64
	pid    uint32
	tid    uint32
	addr   uint64
	weight uint64
}

type pebsEvent struct {
	fd    int
	ring  []byte
	write bool
}

// PebsSource samples memory loads and stores of the calling process
// with Intel PEBS through perf_event_open.
type PebsSource struct {
	events []pebsEvent
}

// NewPebsSource sets up load and store sampling. Fails when the CPU
// or the perf_event_paranoid setting does not allow precise events;
// the failure is non-fatal to the manager.
func NewPebsSource(options *SamplerOptions) (*PebsSource, error) {
	src := &PebsSource{}
	for _, setup := range []struct {
		config uint64
		write  bool
	}{
		{pebsEventMemLoads, false},
		{pebsEventMemStores, true},
	} {
		ev, err := openPebsEvent(setup.config, options)
		if err != nil {
			src.Close()
			return nil, err
		}
		ev.write = setup.write
		src.events = append(src.events, ev)
	}
	return src, nil
}

func openPebsEvent(config uint64, options *SamplerOptions) (pebsEvent, error) {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_RAW,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      config,
		Sample:      options.SamplePeriod,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_ADDR | unix.PERF_SAMPLE_WEIGHT,
		Bits: unix.PerfBitDisabled |
			unix.PerfBitExcludeKernel |
			unix.PerfBitExcludeHv |
			unix.PerfBitExcludeCallchainKernel |
			unix.PerfBitExcludeCallchainUser |
			unix.PerfBitPreciseIPBit1,
	}

	fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, 0)
	if err != nil {
		return pebsEvent{}, errors.Wrapf(err, "perf_event_open failed (config=%#x)", config)
	}

	ring, err := unix.Mmap(fd, 0, options.BufferPages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return pebsEvent{}, errors.Wrap(err, "mmap of perf ring buffer failed")
	}

	return pebsEvent{fd: fd, ring: ring}, nil
}

func (p *PebsSource) Enable() error {
	for _, ev := range p.events {
		if err := unix.IoctlSetInt(ev.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return errors.Wrap(err, "enabling perf event")
		}
	}
	return nil
}

func (p *PebsSource) Disable() error {
	var firstErr error
	for _, ev := range p.events {
		if err := unix.IoctlSetInt(ev.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *PebsSource) Drain(visit func(Sample)) (int, error) {
	throttled := 0
	for _, ev := range p.events {
		throttled += drainRing(ev, visit)
	}
	return throttled, nil
}

// drainRing consumes all complete records between the kernel's head
// and our tail.
func drainRing(ev pebsEvent, visit func(Sample)) int {
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&ev.ring[0]))
	head := atomic.LoadUint64(&meta.Data_head)
	tail := meta.Data_tail
	if head == tail {
		return 0
	}

	data := ev.ring[meta.Data_offset : meta.Data_offset+meta.Data_size]
	throttled := 0

	for tail != head {
		offset := tail % meta.Data_size
		header := (*perfEventHeader)(unsafe.Pointer(&data[offset]))
		if header.Size == 0 || offset+uint64(header.Size) > meta.Data_size {
			// Wrapped or torn record; drop the rest of the
			// buffer.
			tail = head
			break
		}

		switch header.Type {
		case unix.PERF_RECORD_SAMPLE:
			if uintptr(header.Size) >= unsafe.Sizeof(perfSample{}) {
				sample := (*perfSample)(unsafe.Pointer(&data[offset]))
				visit(Sample{
					Addr:   sample.addr,
					Write:  ev.write,
					Weight: sample.weight,
				})
			}
		case unix.PERF_RECORD_THROTTLE, unix.PERF_RECORD_UNTHROTTLE:
			throttled++
		}

		tail += uint64(header.Size)
	}

	atomic.StoreUint64(&meta.Data_tail, tail)
	return throttled
}

func (p *PebsSource) Close() error {
	var firstErr error
	for _, ev := range p.events {
		if ev.ring != nil {
			if err := unix.Munmap(ev.ring); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := unix.Close(ev.fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.events = nil
	return firstErr
}

func newPlatformSampleSource(options *SamplerOptions) (SampleSource, error) {
	return NewPebsSource(options)
}
