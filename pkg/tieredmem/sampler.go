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
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Sample is one hardware-observed memory access.
type Sample struct {
	// Addr is the accessed virtual address; zero samples are
	// dropped.
	Addr uint64
	// Write distinguishes store samples from load samples.
	Write bool
	// Weight is the access latency reported by the hardware.
	Weight uint64
}

// SampleSource abstracts a hardware sampling facility that emits one
// sample per ~SamplePeriod accesses into ring buffers.
type SampleSource interface {
	// Enable starts the hardware counters.
	Enable() error
	// Disable pauses the hardware counters, retaining resources.
	Disable() error
	// Drain consumes buffered samples, reporting throttle events
	// seen. Errors are counted by the caller, not propagated.
	Drain(visit func(Sample)) (throttled int, err error)
	Close() error
}

// SamplerState is the lifecycle state of the Sampler.
type SamplerState int32

const (
	SamplerUninitialized SamplerState = iota
	SamplerInitialized
	SamplerRunning
	SamplerStopped
	SamplerShutdown
)

func (s SamplerState) String() string {
	switch s {
	case SamplerInitialized:
		return "initialized"
	case SamplerRunning:
		return "running"
	case SamplerStopped:
		return "stopped"
	case SamplerShutdown:
		return "shutdown"
	}
	return "uninitialized"
}

// SampleRecord accumulates samples of one page.
type SampleRecord struct {
	addr         uint64
	readSamples  atomic.Uint64
	writeSamples atomic.Uint64
	totalLatency atomic.Uint64
	lastSampleNs atomic.Uint64
	next         *SampleRecord
}

func (r *SampleRecord) Addr() uint64 {
	return r.addr
}

func (r *SampleRecord) ReadSamples() uint64 {
	return r.readSamples.Load()
}

func (r *SampleRecord) WriteSamples() uint64 {
	return r.writeSamples.Load()
}

func (r *SampleRecord) TotalLatency() uint64 {
	return r.totalLatency.Load()
}

func (r *SampleRecord) LastSampleNs() uint64 {
	return r.lastSampleNs.Load()
}

// SamplerStats is a snapshot of the global sampler counters.
type SamplerStats struct {
	TotalSamples   uint64
	ReadSamples    uint64
	WriteSamples   uint64
	ThrottleEvents uint64
	Errors         uint64
	Active         bool
}

// Sampler drains a SampleSource into its own per-page table and
// merges the estimates into the page statistics on demand.
type Sampler struct {
	state        atomic.Int32
	source       SampleSource
	samplePeriod uint64

	mutex   sync.RWMutex
	buckets []*SampleRecord

	totalSamples   atomic.Uint64
	readSamples    atomic.Uint64
	writeSamples   atomic.Uint64
	throttleEvents atomic.Uint64
	errors         atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// NewSampler wraps a sample source. The sampler starts
// uninitialized; Init and Start bring it up.
func NewSampler(source SampleSource, options *SamplerOptions) *Sampler {
	return &Sampler{
		source:       source,
		samplePeriod: options.SamplePeriod,
		buckets:      make([]*SampleRecord, samplerHashSize),
	}
}

func (s *Sampler) State() SamplerState {
	return SamplerState(s.state.Load())
}

// Init prepares the sampler. Idempotent; failure leaves the core
// running without hardware samples.
func (s *Sampler) Init() error {
	switch s.State() {
	case SamplerUninitialized:
	case SamplerShutdown:
		return errors.New("sampler is shut down")
	default:
		return nil
	}
	if s.source == nil {
		return errors.New("no sample source")
	}
	s.state.Store(int32(SamplerInitialized))
	log.Infof("hardware sampler initialized")
	return nil
}

// Start enables sampling and launches the drain task. Idempotent.
func (s *Sampler) Start() error {
	switch s.State() {
	case SamplerRunning:
		return nil
	case SamplerInitialized, SamplerStopped:
	default:
		return errors.New("sampler not initialized")
	}
	if err := s.source.Enable(); err != nil {
		return errors.Wrap(err, "enabling sample source")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.drainLoop()
	s.state.Store(int32(SamplerRunning))
	log.Infof("hardware sampling started")
	return nil
}

// Stop pauses sampling, retaining resources so Start can resume.
func (s *Sampler) Stop() {
	if s.State() != SamplerRunning {
		return
	}
	close(s.stop)
	<-s.done
	if err := s.source.Disable(); err != nil {
		log.Errorf("disabling sample source: %v", err)
	}
	s.state.Store(int32(SamplerStopped))
	log.Infof("hardware sampling stopped")
}

// Shutdown stops sampling and releases all resources.
func (s *Sampler) Shutdown() {
	state := s.State()
	if state == SamplerUninitialized || state == SamplerShutdown {
		s.state.Store(int32(SamplerShutdown))
		return
	}
	s.Stop()
	if err := s.source.Close(); err != nil {
		log.Errorf("closing sample source: %v", err)
	}
	s.ClearRecords()
	s.state.Store(int32(SamplerShutdown))
	log.Infof("hardware sampler shut down")
}

func (s *Sampler) drainLoop() {
	defer close(s.done)
	ticker := time.NewTicker(samplerDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		throttled, err := s.source.Drain(s.processSample)
		if throttled > 0 {
			s.throttleEvents.Add(uint64(throttled))
		}
		if err != nil {
			s.errors.Add(1)
		}
	}
}

func (s *Sampler) processSample(sample Sample) {
	if sample.Addr == 0 {
		return
	}
	record := s.lookupOrCreate(sample.Addr)
	if sample.Write {
		record.writeSamples.Add(1)
		s.writeSamples.Add(1)
	} else {
		record.readSamples.Add(1)
		s.readSamples.Add(1)
	}
	record.totalLatency.Add(sample.Weight)
	record.lastSampleNs.Store(timeNow())
	s.totalSamples.Add(1)
}

func (s *Sampler) lookupOrCreate(addr uint64) *SampleRecord {
	aligned := PageAlign(addr)
	bucket := hashPageAddr(aligned, samplerHashSize)

	s.mutex.RLock()
	for record := s.buckets[bucket]; record != nil; record = record.next {
		if record.addr == aligned {
			s.mutex.RUnlock()
			return record
		}
	}
	s.mutex.RUnlock()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for record := s.buckets[bucket]; record != nil; record = record.next {
		if record.addr == aligned {
			return record
		}
	}
	record := &SampleRecord{addr: aligned}
	record.next = s.buckets[bucket]
	s.buckets[bucket] = record
	return record
}

// GetRecord returns the sample record of the page containing addr,
// or nil.
func (s *Sampler) GetRecord(addr uint64) *SampleRecord {
	aligned := PageAlign(addr)
	bucket := hashPageAddr(aligned, samplerHashSize)

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for record := s.buckets[bucket]; record != nil; record = record.next {
		if record.addr == aligned {
			return record
		}
	}
	return nil
}

// MergeIntoPageStats folds sampled counts into the page statistics.
// One sample stands for samplePeriod accesses; the estimate
// overwrites the software-observed count once it dominates, so fault
// path counts rule before any samples accrue and sampling rules
// after.
func (s *Sampler) MergeIntoPageStats(t *PageStatsTable) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for i := range s.buckets {
		for record := s.buckets[i]; record != nil; record = record.next {
			stats := t.LookupOrCreate(record.addr)

			estimatedReads := record.readSamples.Load() * s.samplePeriod
			estimatedWrites := record.writeSamples.Load() * s.samplePeriod

			if estimatedReads > stats.readCount.Load() {
				stats.readCount.Store(estimatedReads)
			}
			if estimatedWrites > stats.writeCount.Load() {
				stats.writeCount.Store(estimatedWrites)
			}
			stats.accessCount.Store(stats.readCount.Load() + stats.writeCount.Load())

			if lastSample := record.lastSampleNs.Load(); lastSample > stats.lastAccessNs.Load() {
				stats.lastAccessNs.Store(lastSample)
			}
		}
	}
}

// Stats returns a snapshot of the global sampler counters.
func (s *Sampler) Stats() SamplerStats {
	return SamplerStats{
		TotalSamples:   s.totalSamples.Load(),
		ReadSamples:    s.readSamples.Load(),
		WriteSamples:   s.writeSamples.Load(),
		ThrottleEvents: s.throttleEvents.Load(),
		Errors:         s.errors.Load(),
		Active:         s.State() == SamplerRunning,
	}
}

// ClearRecords drops all sample records and resets the counters.
func (s *Sampler) ClearRecords() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i := range s.buckets {
		s.buckets[i] = nil
	}
	s.totalSamples.Store(0)
	s.readSamples.Store(0)
	s.writeSamples.Store(0)
	s.throttleEvents.Store(0)
	s.errors.Store(0)
}
