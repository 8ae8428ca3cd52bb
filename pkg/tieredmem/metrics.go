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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/tieredmem/pkg/metrics"
)

var (
	faultsDesc = prometheus.NewDesc(
		"tieredmem_faults_total",
		"Number of page faults resolved by the fault handler.",
		nil, nil,
	)

	migrationsDesc = prometheus.NewDesc(
		"tieredmem_migrations_total",
		"Number of page migrations executed between tiers.",
		nil, nil,
	)

	policyCyclesDesc = prometheus.NewDesc(
		"tieredmem_policy_cycles_total",
		"Number of completed policy cycles.",
		nil, nil,
	)

	trackedPagesDesc = prometheus.NewDesc(
		"tieredmem_tracked_pages",
		"Number of pages with statistics records.",
		nil, nil,
	)

	tierUsedDesc = prometheus.NewDesc(
		"tieredmem_tier_used_bytes",
		"Bytes of pages resident in a memory tier.",
		[]string{"tier"}, nil,
	)

	tierCapacityDesc = prometheus.NewDesc(
		"tieredmem_tier_capacity_bytes",
		"Capacity of a memory tier.",
		[]string{"tier"}, nil,
	)

	activeRegionsDesc = prometheus.NewDesc(
		"tieredmem_active_regions",
		"Number of active managed regions.",
		nil, nil,
	)

	hwSamplesDesc = prometheus.NewDesc(
		"tieredmem_hw_samples_total",
		"Number of hardware access samples collected.",
		[]string{"kind"}, nil,
	)
)

type collector struct {
	manager *Manager
}

// NewCollector creates a Prometheus collector over a manager.
func NewCollector(manager *Manager) prometheus.Collector {
	return &collector{manager: manager}
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- faultsDesc
	ch <- migrationsDesc
	ch <- policyCyclesDesc
	ch <- trackedPagesDesc
	ch <- tierUsedDesc
	ch <- tierCapacityDesc
	ch <- activeRegionsDesc
	ch <- hwSamplesDesc
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.manager

	ch <- prometheus.MustNewConstMetric(faultsDesc,
		prometheus.CounterValue, float64(m.TotalFaults()))
	ch <- prometheus.MustNewConstMetric(migrationsDesc,
		prometheus.CounterValue, float64(m.TotalMigrations()))
	ch <- prometheus.MustNewConstMetric(policyCyclesDesc,
		prometheus.CounterValue, float64(m.PolicyCycles()))
	ch <- prometheus.MustNewConstMetric(trackedPagesDesc,
		prometheus.GaugeValue, float64(m.PageStats().TrackedPages()))
	ch <- prometheus.MustNewConstMetric(activeRegionsDesc,
		prometheus.GaugeValue, float64(m.ActiveRegions()))

	for _, kind := range []TierKind{TierDRAM, TierNVM} {
		used, capacity := m.TierUsage(kind)
		ch <- prometheus.MustNewConstMetric(tierUsedDesc,
			prometheus.GaugeValue, float64(used), kind.String())
		ch <- prometheus.MustNewConstMetric(tierCapacityDesc,
			prometheus.GaugeValue, float64(capacity), kind.String())
	}

	if sampler := m.Sampler(); sampler != nil {
		stats := sampler.Stats()
		ch <- prometheus.MustNewConstMetric(hwSamplesDesc,
			prometheus.CounterValue, float64(stats.ReadSamples), "read")
		ch <- prometheus.MustNewConstMetric(hwSamplesDesc,
			prometheus.CounterValue, float64(stats.WriteSamples), "write")
	}
}

// RegisterMetricsCollector registers the manager's collector for
// metrics gathering.
func (m *Manager) RegisterMetricsCollector() error {
	return metrics.RegisterCollector("tieredmem", func() (prometheus.Collector, error) {
		return NewCollector(m), nil
	})
}
