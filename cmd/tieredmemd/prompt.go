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

// This file implements prompt for tieredmemd testability.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/intel/tieredmem/pkg/tieredmem"
)

type Prompt struct {
	r       *bufio.Reader
	w       *bufio.Writer
	f       *flag.FlagSet
	manager *tieredmem.Manager
	sim     *tieredmem.SimFaultSource
	ps1     string
}

type promptAction int

const (
	paCommandOk promptAction = iota
	paQuit
)

func NewPrompt(ps1 string, reader *bufio.Reader, writer *bufio.Writer,
	manager *tieredmem.Manager, sim *tieredmem.SimFaultSource) *Prompt {
	return &Prompt{
		r:       reader,
		w:       writer,
		ps1:     ps1,
		manager: manager,
		sim:     sim,
	}
}

func (p *Prompt) output(format string, a ...interface{}) {
	if p.w == nil {
		return
	}
	p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

func (p *Prompt) interact() {
	pa := paCommandOk
	for pa != paQuit {
		p.output(p.ps1)
		cmd, err := p.r.ReadString(byte('\n'))
		if err != nil {
			p.output("quitting prompt: %s\n", err)
			break
		}
		cmdSlice := strings.Split(strings.TrimSpace(cmd), " ")
		if len(cmdSlice) == 0 {
			continue
		}
		p.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
		switch cmdSlice[0] {
		case "q", "quit":
			pa = p.cmdQuit(cmdSlice[1:])
		case "status":
			pa = p.cmdStatus(cmdSlice[1:])
		case "stats":
			pa = p.cmdStats(cmdSlice[1:])
		case "page":
			pa = p.cmdPage(cmdSlice[1:])
		case "policy":
			pa = p.cmdPolicy(cmdSlice[1:])
		case "region":
			pa = p.cmdRegion(cmdSlice[1:])
		case "regions":
			pa = p.cmdRegions(cmdSlice[1:])
		case "touch":
			pa = p.cmdTouch(cmdSlice[1:])
		case "help":
			pa = p.cmdHelp(cmdSlice[1:])
		case "":
			pa = paCommandOk
		default:
			p.output("unknown command, try help\n")
			pa = paCommandOk
		}
	}
	p.output("quitting prompt.\n")
}

func (p *Prompt) cmdHelp(args []string) promptAction {
	p.output("commands:\n")
	p.output("  status                print manager status\n")
	p.output("  stats                 print bare counters and tier usage\n")
	p.output("  page ADDR             print statistics of the page at hex ADDR\n")
	p.output("  policy [NAME]         list policies or select one\n")
	p.output("  region -base B -size S   register a region\n")
	p.output("  regions               list active regions\n")
	p.output("  touch ADDR [-write]   simulate an access (simulated fault source only)\n")
	p.output("  q, quit               quit\n")
	return paCommandOk
}

func (p *Prompt) cmdStatus(args []string) promptAction {
	p.output("%s", p.manager.Status())
	return paCommandOk
}

func (p *Prompt) cmdStats(args []string) promptAction {
	p.output("faults=%d migrations=%d cycles=%d\n",
		p.manager.TotalFaults(), p.manager.TotalMigrations(), p.manager.PolicyCycles())
	for _, kind := range []tieredmem.TierKind{tieredmem.TierDRAM, tieredmem.TierNVM} {
		used, capacity := p.manager.TierUsage(kind)
		p.output("%s: used=%d capacity=%d\n", kind, used, capacity)
	}
	return paCommandOk
}

func (p *Prompt) cmdRegions(args []string) promptAction {
	count := 0
	p.manager.ForEachRegion(func(slot int, r *tieredmem.Region) {
		p.output("[%d] %#x + %d bytes, faults=%d dram=%d nvm=%d\n",
			slot, r.BaseAddr(), r.Length(),
			r.TotalFaults(), r.PagesInDRAM(), r.PagesInNVM())
		count++
	})
	if count == 0 {
		p.output("no active regions\n")
	}
	return paCommandOk
}

func (p *Prompt) cmdPage(args []string) promptAction {
	if len(args) != 1 {
		p.output("missing ADDR\n")
		return paCommandOk
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
	if err != nil {
		p.output("invalid ADDR %q\n", args[0])
		return paCommandOk
	}
	stats := p.manager.GetPageStats(addr)
	if stats == nil {
		p.output("page %#x not tracked\n", addr)
		return paCommandOk
	}
	p.output("page %#x: tier=%s accesses=%d (r=%d w=%d) heat=%.3f rate=%.1f/s migrations=%d\n",
		stats.PageAddr, stats.Tier, stats.AccessCount, stats.ReadCount,
		stats.WriteCount, stats.HeatScore, stats.AccessRate, stats.MigrationCount)
	return paCommandOk
}

func (p *Prompt) cmdPolicy(args []string) promptAction {
	if len(args) == 0 {
		p.output("policies: %s\n", strings.Join(tieredmem.PolicyList(), " "))
		return paCommandOk
	}
	policy, err := tieredmem.NewPolicyFn(args[0], &tieredmem.DefaultConfig().Policy)
	if err != nil {
		p.output("%v\n", err)
		return paCommandOk
	}
	p.manager.SetPolicy(policy)
	p.output("policy set to %q\n", args[0])
	return paCommandOk
}

func (p *Prompt) cmdRegion(args []string) promptAction {
	base := p.f.String("base", "", "region base address in hex")
	size := p.f.String("size", "", "region size, for example 1G")
	if err := p.f.Parse(args); err != nil {
		return paCommandOk
	}
	baseAddr, err := strconv.ParseUint(strings.TrimPrefix(*base, "0x"), 16, 64)
	if err != nil {
		p.output("invalid -base %q\n", *base)
		return paCommandOk
	}
	length, err := tieredmem.ParseBytes(*size)
	if err != nil {
		p.output("invalid -size: %v\n", err)
		return paCommandOk
	}
	if err := p.manager.RegisterRegion(baseAddr, uint64(length)); err != nil {
		p.output("register failed: %v\n", err)
		return paCommandOk
	}
	p.output("registered %#x + %d bytes\n", baseAddr, length)
	return paCommandOk
}

func (p *Prompt) cmdTouch(args []string) promptAction {
	if p.sim == nil {
		p.output("touch needs the simulated fault source (-simulate)\n")
		return paCommandOk
	}
	if len(args) < 1 {
		p.output("missing ADDR\n")
		return paCommandOk
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
	if err != nil {
		p.output("invalid ADDR %q\n", args[0])
		return paCommandOk
	}
	write := len(args) > 1 && args[1] == "-write"
	if p.sim.Touch(addr, write) {
		p.output("fault generated for %#x\n", addr)
	} else {
		p.output("no fault (page mapped or outside regions)\n")
	}
	return paCommandOk
}

func (p *Prompt) cmdQuit(args []string) promptAction {
	return paQuit
}
