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
	"encoding/json"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

// TierSpec configures one memory tier.
type TierSpec struct {
	// Size is the tier capacity in ParseBytes syntax: <NUM>(k|M|G|T).
	Size string `json:"Size"`
	// ReadLatencyNs and WriteLatencyNs are informational access
	// latency hints.
	ReadLatencyNs  uint64 `json:"ReadLatencyNs"`
	WriteLatencyNs uint64 `json:"WriteLatencyNs"`
}

// PolicyOptions configures the default heuristic and the migration
// rate limits that apply to every policy.
type PolicyOptions struct {
	// Name selects the policy from the registry.
	Name string `json:"Name"`
	// HotThreshold promotes NVM pages whose heat exceeds it.
	HotThreshold float64 `json:"HotThreshold"`
	// ColdThreshold demotes DRAM pages whose heat is below it.
	ColdThreshold float64 `json:"ColdThreshold"`
	// ConfidenceMin drops decisions below this confidence.
	ConfidenceMin float64 `json:"ConfidenceMin"`
	// MinResidenceMs is the anti-thrashing time a page must stay
	// in its tier after a migration.
	MinResidenceMs int `json:"MinResidenceMs"`
	// MaxMigrationsPerCycle bounds migrations in one policy cycle.
	MaxMigrationsPerCycle int `json:"MaxMigrationsPerCycle"`
}

func (o *PolicyOptions) minResidenceNs() uint64 {
	return uint64(o.MinResidenceMs) * 1000 * 1000
}

// SamplerOptions configures the optional hardware sample ingestor.
type SamplerOptions struct {
	Enable bool `json:"Enable"`
	// SamplePeriod is the number of memory accesses one sample
	// stands for.
	SamplePeriod uint64 `json:"SamplePeriod"`
	// BufferPages is the ring buffer size, 1 + 2^n pages.
	BufferPages int `json:"BufferPages"`
}

// Config is the manager configuration.
type Config struct {
	// IntervalMs is the policy loop period in milliseconds.
	IntervalMs int            `json:"IntervalMs"`
	Policy     PolicyOptions  `json:"Policy"`
	DRAM       TierSpec       `json:"DRAM"`
	NVM        TierSpec       `json:"NVM"`
	Sampler    SamplerOptions `json:"Sampler"`
}

// DefaultConfig returns the built-in configuration: 4G DRAM, 16G
// NVM, 10 ms policy interval, heuristic policy, sampler disabled.
func DefaultConfig() *Config {
	return &Config{
		IntervalMs: 10,
		Policy: PolicyOptions{
			Name:                  "heuristic",
			HotThreshold:          0.7,
			ColdThreshold:         0.3,
			ConfidenceMin:         0.5,
			MinResidenceMs:        100,
			MaxMigrationsPerCycle: 10,
		},
		DRAM: TierSpec{
			Size:           "4G",
			ReadLatencyNs:  80,
			WriteLatencyNs: 100,
		},
		NVM: TierSpec{
			Size:           "16G",
			ReadLatencyNs:  300,
			WriteLatencyNs: 500,
		},
		Sampler: SamplerOptions{
			Enable:       false,
			SamplePeriod: 100007,
			BufferPages:  1 + (1 << 8),
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.IntervalMs <= 0 {
		return errors.Errorf("invalid IntervalMs: %d, > 0 expected", c.IntervalMs)
	}
	if c.Policy.HotThreshold < 0 || c.Policy.HotThreshold > 1 {
		return errors.Errorf("invalid Policy.HotThreshold: %f, [0, 1] expected", c.Policy.HotThreshold)
	}
	if c.Policy.ColdThreshold < 0 || c.Policy.ColdThreshold > 1 {
		return errors.Errorf("invalid Policy.ColdThreshold: %f, [0, 1] expected", c.Policy.ColdThreshold)
	}
	if c.Policy.ColdThreshold > c.Policy.HotThreshold {
		return errors.Errorf("Policy.ColdThreshold %f above HotThreshold %f",
			c.Policy.ColdThreshold, c.Policy.HotThreshold)
	}
	if c.Policy.ConfidenceMin < 0 || c.Policy.ConfidenceMin > 1 {
		return errors.Errorf("invalid Policy.ConfidenceMin: %f, [0, 1] expected", c.Policy.ConfidenceMin)
	}
	if c.Policy.MinResidenceMs < 0 {
		return errors.Errorf("invalid Policy.MinResidenceMs: %d", c.Policy.MinResidenceMs)
	}
	if c.Policy.MaxMigrationsPerCycle <= 0 {
		return errors.Errorf("invalid Policy.MaxMigrationsPerCycle: %d, > 0 expected",
			c.Policy.MaxMigrationsPerCycle)
	}
	if c.Policy.Name != "" {
		if _, err := NewPolicyFn(c.Policy.Name, &c.Policy); err != nil {
			return err
		}
	}
	for _, spec := range []struct {
		name string
		tier *TierSpec
	}{{"DRAM", &c.DRAM}, {"NVM", &c.NVM}} {
		size, err := ParseBytes(spec.tier.Size)
		if err != nil {
			return errors.Wrapf(err, "%s.Size", spec.name)
		}
		if size < PageSize {
			return errors.Errorf("%s.Size %q below one page", spec.name, spec.tier.Size)
		}
	}
	if c.Sampler.Enable {
		if c.Sampler.SamplePeriod == 0 {
			return errors.Errorf("invalid Sampler.SamplePeriod: 0, > 0 expected")
		}
		if n := c.Sampler.BufferPages - 1; n <= 0 || n&(n-1) != 0 {
			return errors.Errorf("invalid Sampler.BufferPages: %d, 1+2^n expected", c.Sampler.BufferPages)
		}
	}
	return nil
}

// SetConfigJson replaces fields of c from a JSON string.
func (c *Config) SetConfigJson(configJson string) error {
	if err := json.Unmarshal([]byte(configJson), c); err != nil {
		return err
	}
	return c.Validate()
}

// GetConfigJson returns the configuration as a JSON string.
func (c *Config) GetConfigJson() string {
	configJson, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(configJson)
}

// ReadConfigFile reads a YAML or JSON configuration file on top of
// the defaults.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration file %q", path)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration file %q", path)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating configuration file %q", path)
	}
	return config, nil
}
