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

// Package tieredmem manages virtual memory regions whose pages are
// backed by one of two memory tiers: fast-but-small DRAM and
// large-but-slow NVM/CXL. Page faults on registered regions are
// resolved with an initial tier placement, per-page access statistics
// are collected as features, and a pluggable policy periodically
// migrates hot pages towards DRAM and cold pages towards NVM.
//
// The Manager runs two long-lived tasks: the fault handler, which
// blocks on the fault source and resolves missing-page events, and
// the policy loop, which recomputes page features and executes a
// bounded number of migrations per cycle. An optional hardware
// sampler merges sampled access counts into the same statistics.
package tieredmem
